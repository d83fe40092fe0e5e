package platform

import (
	"sync"
	"testing"
	"time"

	"github.com/acdm/platform/internal/models"
	"github.com/acdm/platform/internal/token"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	owner        = models.Address("0x00000000000000000000000000000000000000a1")
	platformAddr = models.Address("0x00000000000000000000000000000000000000f1")
	alice        = models.Address("0x0000000000000000000000000000000000000aa1")
	bob          = models.Address("0x0000000000000000000000000000000000000bb1")
	carol        = models.Address("0x0000000000000000000000000000000000000cc1")
)

func wei(s string) *uint256.Int {
	return uint256.MustFromDecimal(s)
}

// Reference deployment constants: round 1 sells 100,000 tokens at
// 0.00001 ETH, referrals earn 5%/3%, order fills pay 2.5%.
func testParams() Params {
	return Params{
		InitialTokenPrice:  wei("10000000000000"),
		InitialRoundSupply: wei("100000000000000000000000"),
		PriceGrowthPercent: 3,
		PriceIncrement:     wei("4000000000000"),
		SupplyIncrement:    wei("10000000000000000000000"),
		SaleDuration:       3 * 24 * time.Hour,
		TradeDuration:      3 * 24 * time.Hour,
		RefLevelOnePercent: 5,
		RefLevelTwoPercent: 3,
		TradeFeeBasisPts:   250,
	}
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type eventRecorder struct {
	events []models.Event
}

func (r *eventRecorder) Emit(event models.Event) {
	r.events = append(r.events, event)
}

func (r *eventRecorder) types() []string {
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type testEnv struct {
	ledger *token.Ledger
	p      *Platform
	clock  *fakeClock
	events *eventRecorder
}

// newTestEnv deploys a bound ledger/platform pair with the sale started.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	events := &eventRecorder{}
	ledger := token.NewLedger(owner)
	p := New(ledger, owner, platformAddr, testParams(),
		WithClock(clock.Now), WithEventSink(events))
	require.NoError(t, ledger.BindController(owner, p.Self()))
	require.NoError(t, p.StartSale(owner))
	return &testEnv{ledger: ledger, p: p, clock: clock, events: events}
}

// registerChain sets up alice <- bob <- carol.
func (e *testEnv) registerChain(t *testing.T) {
	t.Helper()
	require.NoError(t, e.p.Register(alice, models.ZeroAddress))
	require.NoError(t, e.p.Register(bob, alice))
	require.NoError(t, e.p.Register(carol, bob))
}

// enterTrade buys out the round supply so the stage flips.
func (e *testEnv) enterTrade(t *testing.T) {
	t.Helper()
	half := wei("500000000000000000")
	_, err := e.p.BuyAtContract(carol, half)
	require.NoError(t, err)
	_, err = e.p.BuyAtContract(carol, half)
	require.NoError(t, err)
	require.Equal(t, "Trade", e.p.StageName())
}

func TestStartSale(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	ledger := token.NewLedger(owner)
	p := New(ledger, owner, platformAddr, testParams(), WithClock(clock.Now))
	require.NoError(t, ledger.BindController(owner, p.Self()))

	// No purchases before the sale starts
	_, err := p.BuyAtContract(alice, wei("1"))
	assert.ErrorIs(t, err, ErrWrongStage)

	// Owner-only
	assert.ErrorIs(t, p.StartSale(alice), ErrUnauthorized)

	require.NoError(t, p.StartSale(owner))
	assert.Equal(t, "Sale", p.StageName())
	assert.Equal(t, uint64(1), p.LastRoundID())
	assert.True(t, ledger.BalanceOf(p.Self()).Eq(wei("100000000000000000000000")))

	price, err := p.CurrentTokenPrice()
	require.NoError(t, err)
	assert.True(t, price.Eq(wei("10000000000000")))

	// One-time
	assert.ErrorIs(t, p.StartSale(owner), ErrAlreadyStarted)
}

func TestRegister(t *testing.T) {
	env := newTestEnv(t)

	// Referrer must already be registered
	err := env.p.Register(bob, alice)
	assert.ErrorIs(t, err, ErrUnknownReferrer)

	require.NoError(t, env.p.Register(alice, models.ZeroAddress))
	require.NoError(t, env.p.Register(bob, alice))

	// No double registration, no self-referral
	assert.ErrorIs(t, env.p.Register(bob, alice), ErrAlreadyRegistered)
	assert.ErrorIs(t, env.p.Register(carol, carol), ErrSelfReferral)

	ref, ok := env.p.ReferrerOf(bob)
	assert.True(t, ok)
	assert.Equal(t, alice, ref)
}

func TestBuyAtContract(t *testing.T) {
	env := newTestEnv(t)
	env.registerChain(t)

	halfEth := wei("500000000000000000")
	amount, err := env.p.BuyAtContract(carol, halfEth)
	require.NoError(t, err)

	// 0.5 ETH at 0.00001 ETH/token buys 50,000 tokens
	assert.True(t, amount.Eq(wei("50000000000000000000000")))
	assert.True(t, env.ledger.BalanceOf(carol).Eq(amount))

	// Direct referrer 5%, second level 3%
	assert.True(t, env.p.EthBalanceOf(bob).Eq(wei("25000000000000000")), "bob got %s", env.p.EthBalanceOf(bob).Dec())
	assert.True(t, env.p.EthBalanceOf(alice).Eq(wei("15000000000000000")), "alice got %s", env.p.EthBalanceOf(alice).Dec())
	assert.True(t, env.p.EthBalanceOf(carol).IsZero())

	// Platform retains the remaining 92%
	assert.True(t, env.p.PlatformBalance().Eq(wei("460000000000000000")))

	available, err := env.p.AvailableTokenAmount()
	require.NoError(t, err)
	assert.True(t, available.Eq(wei("50000000000000000000000")))

	// Zero value and over-supply purchases fail
	_, err = env.p.BuyAtContract(carol, uint256.NewInt(0))
	assert.ErrorIs(t, err, ErrZeroValue)
	_, err = env.p.BuyAtContract(carol, wei("1000000000000000000")) // wants 100,000, 50,000 left
	assert.ErrorIs(t, err, ErrSupplyExceeded)
}

func TestBuyAtContract_NoReferrers(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.p.Register(alice, models.ZeroAddress))

	value := wei("100000000000000000") // 0.1 ETH
	_, err := env.p.BuyAtContract(alice, value)
	require.NoError(t, err)

	// Whole value retained: no referrer at either level
	assert.True(t, env.p.PlatformBalance().Eq(value))
}

func TestBuyAtContract_NoOverAllocation(t *testing.T) {
	env := newTestEnv(t)

	// A value that does not divide evenly: floor division must hold
	// tokens * price <= value.
	value := wei("123456789012345678")
	amount, err := env.p.BuyAtContract(alice, value)
	require.NoError(t, err)

	price := wei("10000000000000")
	cost := new(uint256.Int).Mul(amount, price)
	cost.Div(cost, wei("1000000000000000000"))
	assert.True(t, cost.Cmp(value) <= 0, "cost %s exceeds value %s", cost.Dec(), value.Dec())
}

func TestBuyAtContract_RejectsOverflowingValue(t *testing.T) {
	env := newTestEnv(t)
	env.registerChain(t)

	// A value whose 1e18 scaling wraps past 2^256 must be rejected, not
	// sold at a wrapped tiny token amount.
	huge := new(uint256.Int).Lsh(uint256.NewInt(1), 238)
	huge.Add(huge, uint256.NewInt(1))

	_, err := env.p.BuyAtContract(carol, huge)
	assert.ErrorIs(t, err, ErrOverflow)

	// Nothing moved: no tokens delivered, no referral credits, still Sale
	assert.True(t, env.ledger.BalanceOf(carol).IsZero())
	assert.True(t, env.p.EthBalanceOf(bob).IsZero())
	assert.True(t, env.p.EthBalanceOf(alice).IsZero())
	assert.True(t, env.p.PlatformBalance().IsZero())
	assert.Equal(t, "Sale", env.p.StageName())
	assert.True(t, env.p.CurrentRound().Sold.IsZero())
}

func TestCalculators_RejectOverflow(t *testing.T) {
	env := newTestEnv(t)

	hugeValue := new(uint256.Int).Lsh(uint256.NewInt(1), 238)
	_, err := env.p.TokensForEther(hugeValue)
	assert.ErrorIs(t, err, ErrOverflow)

	hugeAmount := new(uint256.Int).Lsh(uint256.NewInt(1), 250)
	_, err = env.p.EtherForTokens(hugeAmount)
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestSaleHelpersRequireSaleStage(t *testing.T) {
	env := newTestEnv(t)
	env.enterTrade(t)

	_, err := env.p.CurrentTokenPrice()
	assert.ErrorIs(t, err, ErrWrongStage)
	_, err = env.p.AvailableTokenAmount()
	assert.ErrorIs(t, err, ErrWrongStage)
	_, err = env.p.TokensForEther(wei("1"))
	assert.ErrorIs(t, err, ErrWrongStage)
	_, err = env.p.EtherForTokens(wei("1"))
	assert.ErrorIs(t, err, ErrWrongStage)
	_, err = env.p.BuyAtContract(alice, wei("1000000000000000000"))
	assert.ErrorIs(t, err, ErrWrongStage)
}

func TestCalculators(t *testing.T) {
	env := newTestEnv(t)

	amount, err := env.p.TokensForEther(wei("500000000000000000"))
	require.NoError(t, err)
	assert.True(t, amount.Eq(wei("50000000000000000000000")))

	value, err := env.p.EtherForTokens(wei("50000000000000000000000"))
	require.NoError(t, err)
	assert.True(t, value.Eq(wei("500000000000000000")))
}

func TestExhaustionFlipsStage(t *testing.T) {
	env := newTestEnv(t)
	env.enterTrade(t)

	// Flip happened without an explicit stage-change call; round supply was
	// fully sold so nothing was burned.
	assert.True(t, env.ledger.BalanceOf(env.p.Self()).IsZero())
	assert.Contains(t, env.events.types(), models.EventSaleRoundEnded)
}

func TestChangeStageRequest_SaleTimeout(t *testing.T) {
	env := newTestEnv(t)

	// Sell part of the round, then let the sale run out
	_, err := env.p.BuyAtContract(alice, wei("300000000000000000")) // 30,000 tokens
	require.NoError(t, err)

	assert.ErrorIs(t, env.p.ChangeStageRequest(alice), ErrTooEarly)

	env.clock.Advance(3*24*time.Hour + time.Second)
	require.NoError(t, env.p.ChangeStageRequest(alice))
	assert.Equal(t, "Trade", env.p.StageName())

	// Unsold 70,000 tokens burned: sold + burned == round supply
	assert.True(t, env.ledger.BalanceOf(env.p.Self()).IsZero())
	assert.True(t, env.ledger.TotalSupply().Eq(wei("30000000000000000000000")))
}

func TestChangeStageRequest_RoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.registerChain(t)
	env.enterTrade(t)

	assert.ErrorIs(t, env.p.ChangeStageRequest(alice), ErrTooEarly)

	env.clock.Advance(3*24*time.Hour + time.Second)
	require.NoError(t, env.p.ChangeStageRequest(alice))

	assert.Equal(t, "Sale", env.p.StageName())
	assert.Equal(t, uint64(2), env.p.LastRoundID())

	// Round 2: price * 1.03 + 0.000004 ETH, supply + 10,000 tokens
	price, err := env.p.CurrentTokenPrice()
	require.NoError(t, err)
	assert.True(t, price.Eq(wei("14300000000000")), "round 2 price %s", price.Dec())

	available, err := env.p.AvailableTokenAmount()
	require.NoError(t, err)
	assert.True(t, available.Eq(wei("110000000000000000000000")), "round 2 supply %s", available.Dec())
}

func TestCreateOrder(t *testing.T) {
	env := newTestEnv(t)
	env.registerChain(t)

	amount := wei("10000000000000000000000")
	price := wei("200000000000000")

	// Trade stage only
	_, err := env.p.CreateOrder(carol, amount, price)
	assert.ErrorIs(t, err, ErrWrongStage)

	env.enterTrade(t)

	// Zero arguments rejected
	_, err = env.p.CreateOrder(carol, uint256.NewInt(0), price)
	assert.ErrorIs(t, err, ErrZeroValue)
	_, err = env.p.CreateOrder(carol, amount, uint256.NewInt(0))
	assert.ErrorIs(t, err, ErrZeroValue)

	// Approval required
	_, err = env.p.CreateOrder(carol, amount, price)
	require.Error(t, err)

	require.NoError(t, env.ledger.Approve(carol, env.p.Self(), amount))
	orderID, err := env.p.CreateOrder(carol, amount, price)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), orderID)
	assert.Equal(t, uint64(1), env.p.LastOrderID())

	// Tokens moved into platform custody
	assert.True(t, env.ledger.BalanceOf(env.p.Self()).Eq(amount))

	order, err := env.p.OrderInfo(orderID)
	require.NoError(t, err)
	assert.True(t, order.Amount.Eq(amount))
	assert.True(t, order.Filled.IsZero())
	assert.True(t, order.Price.Eq(price))
	assert.True(t, order.Open)
}

// placeOrder rests carol's 10,000 tokens at 0.0002 ETH/token.
func placeOrder(t *testing.T, env *testEnv) uint64 {
	t.Helper()
	amount := wei("10000000000000000000000")
	require.NoError(t, env.ledger.Approve(carol, env.p.Self(), amount))
	orderID, err := env.p.CreateOrder(carol, amount, wei("200000000000000"))
	require.NoError(t, err)
	return orderID
}

func TestBuyAtOrder_PartialFill(t *testing.T) {
	env := newTestEnv(t)
	env.registerChain(t)
	env.enterTrade(t)
	orderID := placeOrder(t, env)

	bobTokensBefore := env.ledger.BalanceOf(bob)

	// 1 ETH at 0.0002 ETH/token buys 5,000 of the 10,000
	value := wei("1000000000000000000")
	amount, err := env.p.BuyAtOrder(bob, orderID, value)
	require.NoError(t, err)
	assert.True(t, amount.Eq(wei("5000000000000000000000")))

	gained := new(uint256.Int).Sub(env.ledger.BalanceOf(bob), bobTokensBefore)
	assert.True(t, gained.Eq(amount))

	order, err := env.p.OrderInfo(orderID)
	require.NoError(t, err)
	assert.True(t, order.Open)
	assert.True(t, order.Filled.Eq(amount))

	// Fee is 2.5% of the gross value; the seller nets the rest
	assert.True(t, env.p.EthBalanceOf(carol).Eq(wei("975000000000000000")),
		"carol netted %s", env.p.EthBalanceOf(carol).Dec())

	// Seller's referral chain splits the fee: bob then alice, 1.25% each,
	// on top of the two sale rewards from entering Trade.
	assert.True(t, env.p.EthBalanceOf(bob).Eq(wei("62500000000000000")),
		"bob has %s", env.p.EthBalanceOf(bob).Dec()) // 2 * 0.025 + 0.0125
	assert.True(t, env.p.EthBalanceOf(alice).Eq(wei("42500000000000000")),
		"alice has %s", env.p.EthBalanceOf(alice).Dec()) // 2 * 0.015 + 0.0125
}

func TestBuyAtOrder_FullFillClosesOrder(t *testing.T) {
	env := newTestEnv(t)
	env.registerChain(t)
	env.enterTrade(t)
	orderID := placeOrder(t, env)

	value := wei("2000000000000000000") // the full 10,000 tokens
	_, err := env.p.BuyAtOrder(bob, orderID, value)
	require.NoError(t, err)

	order, err := env.p.OrderInfo(orderID)
	require.NoError(t, err)
	assert.False(t, order.Open)
	assert.True(t, order.Filled.Eq(order.Amount))

	// Closed orders reject further fills
	_, err = env.p.BuyAtOrder(bob, orderID, wei("200000000000000"))
	assert.ErrorIs(t, err, ErrOrderClosed)
}

func TestBuyAtOrder_Validation(t *testing.T) {
	env := newTestEnv(t)
	env.registerChain(t)
	env.enterTrade(t)
	orderID := placeOrder(t, env)

	_, err := env.p.BuyAtOrder(bob, 99, wei("1000000000000000000"))
	assert.ErrorIs(t, err, ErrUnknownOrder)

	_, err = env.p.BuyAtOrder(bob, orderID, uint256.NewInt(0))
	assert.ErrorIs(t, err, ErrZeroValue)

	// Value for more than the remainder
	_, err = env.p.BuyAtOrder(bob, orderID, wei("3000000000000000000"))
	assert.ErrorIs(t, err, ErrOrderExceeded)

	// A value whose 1e18 scaling wraps past 2^256
	huge := new(uint256.Int).Lsh(uint256.NewInt(1), 238)
	_, err = env.p.BuyAtOrder(bob, orderID, huge)
	assert.ErrorIs(t, err, ErrOverflow)

	order, err := env.p.OrderInfo(orderID)
	require.NoError(t, err)
	assert.True(t, order.Open)
	assert.True(t, order.Filled.IsZero())
	assert.True(t, env.p.EthBalanceOf(carol).IsZero())
}

func TestBuyAtOrder_FeeWithoutReferrers(t *testing.T) {
	env := newTestEnv(t)
	// carol never registers; the whole fee stays with the platform
	half := wei("500000000000000000")
	_, err := env.p.BuyAtContract(carol, half)
	require.NoError(t, err)
	_, err = env.p.BuyAtContract(carol, half)
	require.NoError(t, err)

	retainedBefore := env.p.PlatformBalance()
	orderID := placeOrder(t, env)

	value := wei("1000000000000000000")
	_, err = env.p.BuyAtOrder(bob, orderID, value)
	require.NoError(t, err)

	gained := new(uint256.Int).Sub(env.p.PlatformBalance(), retainedBefore)
	assert.True(t, gained.Eq(wei("25000000000000000")), "platform kept %s", gained.Dec())
	assert.True(t, env.p.EthBalanceOf(carol).Eq(wei("975000000000000000")))
}

func TestCancelOrder(t *testing.T) {
	env := newTestEnv(t)
	env.registerChain(t)
	env.enterTrade(t)
	orderID := placeOrder(t, env)

	// Half fill, then cancel
	_, err := env.p.BuyAtOrder(bob, orderID, wei("1000000000000000000"))
	require.NoError(t, err)

	assert.ErrorIs(t, env.p.CancelOrder(bob, orderID), ErrUnauthorized)
	require.NoError(t, env.p.CancelOrder(carol, orderID))

	order, err := env.p.OrderInfo(orderID)
	require.NoError(t, err)
	assert.False(t, order.Open)

	// Unfilled 5,000 tokens are claimable, not auto-transferred
	assert.True(t, env.p.TokenBalanceOf(carol).Eq(wei("5000000000000000000000")))

	assert.ErrorIs(t, env.p.CancelOrder(carol, orderID), ErrOrderClosed)
}

func TestForceCloseOnRollover(t *testing.T) {
	env := newTestEnv(t)
	env.registerChain(t)
	env.enterTrade(t)
	orderID := placeOrder(t, env)

	_, err := env.p.BuyAtOrder(bob, orderID, wei("1000000000000000000"))
	require.NoError(t, err)

	env.clock.Advance(3*24*time.Hour + time.Second)
	require.NoError(t, env.p.ChangeStageRequest(alice))

	order, err := env.p.OrderInfo(orderID)
	require.NoError(t, err)
	assert.False(t, order.Open)
	assert.True(t, env.p.TokenBalanceOf(carol).Eq(wei("5000000000000000000000")))
	assert.Contains(t, env.events.types(), models.EventOrderForceClosed)
	assert.Contains(t, env.events.types(), models.EventTradeStageEnded)
}

func TestFetchTokens(t *testing.T) {
	env := newTestEnv(t)
	env.registerChain(t)
	env.enterTrade(t)
	orderID := placeOrder(t, env)
	require.NoError(t, env.p.CancelOrder(carol, orderID))

	before := env.ledger.BalanceOf(carol)
	amount, err := env.p.FetchTokens(carol)
	require.NoError(t, err)
	assert.True(t, amount.Eq(wei("10000000000000000000000")))

	gained := new(uint256.Int).Sub(env.ledger.BalanceOf(carol), before)
	assert.True(t, gained.Eq(amount))

	// Claimable balance is zeroed; repeat fails
	_, err = env.p.FetchTokens(carol)
	assert.ErrorIs(t, err, ErrNothingToWithdraw)
}

func TestFetchEther(t *testing.T) {
	env := newTestEnv(t)
	env.registerChain(t)

	_, err := env.p.BuyAtContract(carol, wei("500000000000000000"))
	require.NoError(t, err)

	amount, err := env.p.FetchEther(bob)
	require.NoError(t, err)
	assert.True(t, amount.Eq(wei("25000000000000000")))

	_, err = env.p.FetchEther(bob)
	assert.ErrorIs(t, err, ErrNothingToWithdraw)

	// Nothing accrued for the buyer
	_, err = env.p.FetchEther(carol)
	assert.ErrorIs(t, err, ErrNothingToWithdraw)
}

func TestAdminWithdrawPlatformBalance(t *testing.T) {
	env := newTestEnv(t)
	env.registerChain(t)

	_, err := env.p.BuyAtContract(carol, wei("500000000000000000"))
	require.NoError(t, err)

	_, err = env.p.AdminWithdrawPlatformBalance(alice)
	assert.ErrorIs(t, err, ErrUnauthorized)

	amount, err := env.p.AdminWithdrawPlatformBalance(owner)
	require.NoError(t, err)
	assert.True(t, amount.Eq(wei("460000000000000000")))

	_, err = env.p.AdminWithdrawPlatformBalance(owner)
	assert.ErrorIs(t, err, ErrNothingToWithdraw)
}

func TestOpenOrdersSorting(t *testing.T) {
	env := newTestEnv(t)
	env.registerChain(t)
	env.enterTrade(t)

	amount := wei("1000000000000000000000")
	total := wei("3000000000000000000000")
	require.NoError(t, env.ledger.Approve(carol, env.p.Self(), total))

	first, err := env.p.CreateOrder(carol, amount, wei("300000000000000"))
	require.NoError(t, err)
	env.clock.Advance(time.Second)
	second, err := env.p.CreateOrder(carol, amount, wei("100000000000000"))
	require.NoError(t, err)
	env.clock.Advance(time.Second)
	third, err := env.p.CreateOrder(carol, amount, wei("300000000000000"))
	require.NoError(t, err)

	book := env.p.OpenOrders()
	require.Len(t, book, 3)
	// Lowest price first, then earliest creation
	assert.Equal(t, second, book[0].ID)
	assert.Equal(t, first, book[1].ID)
	assert.Equal(t, third, book[2].ID)
}

func TestEventSequence(t *testing.T) {
	env := newTestEnv(t)
	env.registerChain(t)
	env.enterTrade(t)
	orderID := placeOrder(t, env)
	_, err := env.p.BuyAtOrder(bob, orderID, wei("1000000000000000000"))
	require.NoError(t, err)
	require.NoError(t, env.p.CancelOrder(carol, orderID))

	types := env.events.types()
	for _, want := range []string{
		models.EventSaleStarted,
		models.EventRegistered,
		models.EventTokensPurchased,
		models.EventSaleRoundEnded,
		models.EventOrderCreated,
		models.EventOrderFilled,
		models.EventOrderClosed,
	} {
		assert.Contains(t, types, want)
	}
}

func TestTimeLeftInStage(t *testing.T) {
	env := newTestEnv(t)

	left := env.p.TimeLeftInStage()
	assert.Equal(t, 3*24*time.Hour, left)

	env.clock.Advance(24 * time.Hour)
	assert.Equal(t, 2*24*time.Hour, env.p.TimeLeftInStage())

	env.clock.Advance(5 * 24 * time.Hour)
	assert.Equal(t, time.Duration(0), env.p.TimeLeftInStage())
}
