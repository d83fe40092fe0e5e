package models

import (
	"time"

	"github.com/holiman/uint256"
)

// Address identifies a participant: "0x" followed by 40 hex characters.
type Address string

// ZeroAddress is the "no referrer" sentinel.
const ZeroAddress Address = "0x0000000000000000000000000000000000000000"

// Stage is the platform's lifecycle state.
type Stage int

const (
	StageNone Stage = iota // constructed but startSale not called yet
	StageSale
	StageTrade
)

// String returns the external representation consumed by clients.
func (s Stage) String() string {
	switch s {
	case StageSale:
		return "Sale"
	case StageTrade:
		return "Trade"
	default:
		return "None"
	}
}

// User represents a registered API user. The address is assigned at
// registration and is the identity the platform keys everything by.
type User struct {
	ID           int
	Username     string
	PasswordHash string
	Address      Address
	CreatedAt    time.Time
}

// Round is one Sale-stage cycle with its own fixed price and supply.
// All amounts are fixed-point integers scaled by 1e18.
type Round struct {
	ID        uint64
	Price     *uint256.Int // wei per whole token
	Supply    *uint256.Int // originally minted for this round
	Sold      *uint256.Int
	StartedAt time.Time
}

// Remaining returns the unsold part of the round supply.
func (r *Round) Remaining() *uint256.Int {
	return new(uint256.Int).Sub(r.Supply, r.Sold)
}

// Order is a resting sell offer in the Trade stage.
type Order struct {
	ID        uint64       `json:"id"`
	Seller    Address      `json:"seller"`
	Amount    *uint256.Int `json:"amount"`
	Filled    *uint256.Int `json:"filled"`
	Price     *uint256.Int `json:"price"` // wei per whole token
	Open      bool         `json:"open"`
	CreatedAt time.Time    `json:"created_at"` // used for time priority in book views
}

// Remaining returns the unfilled part of the order.
func (o *Order) Remaining() *uint256.Int {
	return new(uint256.Int).Sub(o.Amount, o.Filled)
}

// Fill records a (partial) execution against an order.
type Fill struct {
	ID         int          `json:"id"`
	OrderID    uint64       `json:"order_id"`
	Buyer      Address      `json:"buyer"`
	Amount     *uint256.Int `json:"amount"`
	Value      *uint256.Int `json:"value"` // gross wei sent
	ExecutedAt time.Time    `json:"executed_at"`
}

// Event types observable by the outside world.
const (
	EventRegistered       = "registered"
	EventSaleStarted      = "sale_started"
	EventTokensPurchased  = "tokens_purchased"
	EventOrderCreated     = "order_created"
	EventOrderFilled      = "order_filled"
	EventOrderClosed      = "order_closed"       // closed by the seller
	EventOrderForceClosed = "order_force_closed" // closed at stage rollover
	EventSaleRoundEnded   = "sale_round_ended"
	EventTradeStageEnded  = "trade_stage_ended"
)

// Event is a platform notification. Amounts are decimal wei strings so the
// payload survives JSON encoding without precision loss.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Account    Address   `json:"account,omitempty"`
	Referrer   Address   `json:"referrer,omitempty"`
	OrderID    uint64    `json:"order_id,omitempty"`
	RoundID    uint64    `json:"round_id,omitempty"`
	Amount     string    `json:"amount,omitempty"`
	Value      string    `json:"value,omitempty"`
	Price      string    `json:"price,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
