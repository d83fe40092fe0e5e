package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/acdm/platform/internal/auth"
	"github.com/acdm/platform/internal/config"
	"github.com/acdm/platform/internal/db"
	"github.com/acdm/platform/internal/models"
	"github.com/acdm/platform/internal/platform"
	"github.com/acdm/platform/internal/token"

	"github.com/holiman/uint256"
	"golang.org/x/crypto/bcrypt"
)

// Seed the database with demo users and replay the reference scenario:
// a three-account referral chain, the round-1 sale bought out, one resting
// order and a half fill.
func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(ctx)

	// Skip if already seeded
	if _, err := database.GetUserByUsername(ctx, "trader1"); err == nil {
		fmt.Println("Database already seeded. Nothing to do.")
		os.Exit(0)
	}

	users := make(map[string]*models.User)
	for _, username := range []string{"trader1", "trader2", "trader3"} {
		hash, err := bcrypt.GenerateFromPassword([]byte(username+"_pass"), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("Failed to hash password: %v", err)
		}
		address, err := auth.NewAddress()
		if err != nil {
			log.Fatalf("Failed to generate address: %v", err)
		}
		user, err := database.CreateUser(ctx, username, string(hash), address)
		if err != nil {
			log.Fatalf("Failed to create %s: %v", username, err)
		}
		users[username] = user
		fmt.Printf("Created %s with address %s\n", username, address)
	}

	// Fresh in-memory deployment
	ledger := token.NewLedger(cfg.OwnerAddress)
	market := platform.New(ledger, cfg.OwnerAddress, cfg.PlatformAddress, cfg.PlatformParams())
	if err := ledger.BindController(cfg.OwnerAddress, market.Self()); err != nil {
		log.Fatalf("Failed to bind controller: %v", err)
	}
	if err := market.StartSale(cfg.OwnerAddress); err != nil {
		log.Fatalf("Failed to start sale: %v", err)
	}
	round := market.CurrentRound()
	if err := database.InsertRound(ctx, &round); err != nil {
		log.Fatalf("Failed to mirror round: %v", err)
	}

	t1 := users["trader1"].Address
	t2 := users["trader2"].Address
	t3 := users["trader3"].Address

	// Referral chain: trader1 <- trader2 <- trader3
	must(market.Register(t1, models.ZeroAddress))
	must(market.Register(t2, t1))
	must(market.Register(t3, t2))

	// trader3 buys out the round; the stage flips to Trade
	halfSupplyValue := uint256.MustFromDecimal("500000000000000000") // 0.5 ETH
	if _, err := market.BuyAtContract(t3, halfSupplyValue); err != nil {
		log.Fatalf("Failed first purchase: %v", err)
	}
	if _, err := market.BuyAtContract(t3, halfSupplyValue); err != nil {
		log.Fatalf("Failed second purchase: %v", err)
	}
	fmt.Printf("Round bought out, stage is now %s\n", market.StageName())

	// trader3 rests 10,000 tokens at 0.0002 ETH/token; trader2 buys half
	orderAmount := uint256.MustFromDecimal("10000000000000000000000")
	orderPrice := uint256.MustFromDecimal("200000000000000")
	must(ledger.Approve(t3, market.Self(), orderAmount))
	orderID, err := market.CreateOrder(t3, orderAmount, orderPrice)
	if err != nil {
		log.Fatalf("Failed to create order: %v", err)
	}
	order, _ := market.OrderInfo(orderID)
	if err := database.InsertOrder(ctx, &order); err != nil {
		log.Fatalf("Failed to mirror order: %v", err)
	}

	fillValue := uint256.MustFromDecimal("1000000000000000000") // 5,000 tokens worth
	amount, err := market.BuyAtOrder(t2, orderID, fillValue)
	if err != nil {
		log.Fatalf("Failed to fill order: %v", err)
	}
	order, _ = market.OrderInfo(orderID)
	fill := models.Fill{OrderID: orderID, Buyer: t2, Amount: amount, Value: fillValue}
	if err := database.RecordFill(ctx, &order, &fill); err != nil {
		log.Fatalf("Failed to mirror fill: %v", err)
	}

	fmt.Printf("Seeded order %d: %s filled of %s\n", orderID, order.Filled.Dec(), order.Amount.Dec())
	fmt.Println("Done.")
}

func must(err error) {
	if err != nil {
		log.Fatalf("Seed step failed: %v", err)
	}
}
