// Package platform implements the staged Sale/Trade market: a fixed-supply
// primary sale with a rising per-round price curve and referral rewards,
// followed by a peer-to-peer limit order book with partial fills and a
// platform fee. The platform is the single writer of its own state; every
// operation takes the mutex, validates fully, and either applies in full or
// leaves the state untouched.
package platform

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/acdm/platform/internal/models"
	"github.com/acdm/platform/internal/token"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	ErrUnauthorized      = errors.New("caller not authorized")
	ErrWrongStage        = errors.New("operation not allowed in current stage")
	ErrTooEarly          = errors.New("stage change condition not met")
	ErrAlreadyStarted    = errors.New("sale already started")
	ErrAlreadyRegistered = errors.New("address already registered")
	ErrSelfReferral      = errors.New("cannot refer yourself")
	ErrUnknownReferrer   = errors.New("referrer is not registered")
	ErrZeroValue         = errors.New("zero value")
	ErrOverflow          = errors.New("value overflows 256-bit arithmetic")
	ErrSupplyExceeded    = errors.New("amount exceeds available round supply")
	ErrUnknownOrder      = errors.New("order does not exist")
	ErrOrderClosed       = errors.New("order is closed")
	ErrOrderExceeded     = errors.New("amount exceeds order remainder")
	ErrNothingToWithdraw = errors.New("claimable balance is zero")
)

// oneToken is the 1e18 fixed-point scale shared by all amounts.
var oneToken = uint256.NewInt(1e18)

// Params are the protocol constants, fixed at deploy time.
type Params struct {
	InitialTokenPrice  *uint256.Int // wei per whole token, round 1
	InitialRoundSupply *uint256.Int // token units minted for round 1
	PriceGrowthPercent uint64       // round N+1 price = price * (100+growth)/100 + increment
	PriceIncrement     *uint256.Int // wei per whole token
	SupplyIncrement    *uint256.Int // token units added to each new round's supply
	SaleDuration       time.Duration
	TradeDuration      time.Duration
	RefLevelOnePercent uint64 // % of sent value to the buyer's direct referrer
	RefLevelTwoPercent uint64 // % of sent value to the second-level referrer
	TradeFeeBasisPts   uint64 // order fill fee, split evenly across the seller's two levels
}

// EventSink receives platform events. Implementations must not call back
// into the platform; Emit runs with the platform lock held.
type EventSink interface {
	Emit(models.Event)
}

// account tracks per-address platform state: the referral link and the
// claimable (pull-based) ether and token balances.
type account struct {
	registered bool
	referrer   models.Address
	eth        *uint256.Int
	tokens     *uint256.Int
}

// Platform is the staged market state machine.
type Platform struct {
	mu sync.Mutex

	params Params
	ledger *token.Ledger
	owner  models.Address
	self   models.Address // the platform's own ledger address (token custody)

	stage      models.Stage
	stageStart time.Time

	round       models.Round
	lastOrderID uint64
	orders      map[uint64]*models.Order
	accounts    map[models.Address]*account
	platformEth *uint256.Int // retained ether: sale proceeds, unattributed shares, fee residue

	now  func() time.Time
	sink EventSink
}

// Option configures a Platform.
type Option func(*Platform)

// WithClock overrides the time source. Used by tests to drive stage timing.
func WithClock(now func() time.Time) Option {
	return func(p *Platform) { p.now = now }
}

// WithEventSink wires an observer for platform events.
func WithEventSink(sink EventSink) Option {
	return func(p *Platform) { p.sink = sink }
}

// New creates a platform bound to the given ledger. self is the address the
// ledger must grant controller rights to before StartSale is called.
func New(ledger *token.Ledger, owner, self models.Address, params Params, opts ...Option) *Platform {
	p := &Platform{
		params:      params,
		ledger:      ledger,
		owner:       owner,
		self:        self,
		stage:       models.StageNone,
		orders:      make(map[uint64]*models.Order),
		accounts:    make(map[models.Address]*account),
		platformEth: uint256.NewInt(0),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Self returns the platform's own ledger address.
func (p *Platform) Self() models.Address {
	return p.self
}

// StartSale mints the round-1 supply into platform custody and enters Sale.
// Owner-only, callable once.
func (p *Platform) StartSale(caller models.Address) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if caller != p.owner {
		return fmt.Errorf("%w: startSale by %s", ErrUnauthorized, caller)
	}
	if p.stage != models.StageNone {
		return ErrAlreadyStarted
	}

	supply := new(uint256.Int).Set(p.params.InitialRoundSupply)
	if err := p.ledger.Mint(p.self, p.self, supply); err != nil {
		return fmt.Errorf("minting round supply: %w", err)
	}

	now := p.now()
	p.round = models.Round{
		ID:        1,
		Price:     new(uint256.Int).Set(p.params.InitialTokenPrice),
		Supply:    supply,
		Sold:      uint256.NewInt(0),
		StartedAt: now,
	}
	p.stage = models.StageSale
	p.stageStart = now
	p.emit(models.Event{
		Type:    models.EventSaleStarted,
		RoundID: 1,
		Amount:  supply.Dec(),
		Price:   p.round.Price.Dec(),
	})
	return nil
}

// Register records the caller's referrer. One-time per caller; referrer is
// the zero address or an already-registered address other than the caller.
func (p *Platform) Register(caller, referrer models.Address) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	acct := p.account(caller)
	if acct.registered {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, caller)
	}
	if referrer == caller {
		return ErrSelfReferral
	}
	if referrer != models.ZeroAddress {
		ref, ok := p.accounts[referrer]
		if !ok || !ref.registered {
			return fmt.Errorf("%w: %s", ErrUnknownReferrer, referrer)
		}
	}

	acct.registered = true
	acct.referrer = referrer
	p.emit(models.Event{
		Type:     models.EventRegistered,
		Account:  caller,
		Referrer: referrer,
	})
	return nil
}

// ChangeStageRequest rolls the stage over once the current stage's end
// condition holds: Sale ends when the round supply is exhausted or the sale
// duration has elapsed (unsold supply is burned); Trade ends when the trade
// duration has elapsed (open orders are force-closed and a new round starts).
func (p *Platform) ChangeStageRequest(caller models.Address) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.stage {
	case models.StageSale:
		elapsed := p.now().Sub(p.stageStart)
		if !p.round.Remaining().IsZero() && elapsed < p.params.SaleDuration {
			return fmt.Errorf("%w: sale still running", ErrTooEarly)
		}
		return p.endSale()
	case models.StageTrade:
		if p.now().Sub(p.stageStart) < p.params.TradeDuration {
			return fmt.Errorf("%w: trade still running", ErrTooEarly)
		}
		return p.endTrade()
	default:
		return fmt.Errorf("%w: platform not started", ErrWrongStage)
	}
}

// endSale burns unsold supply and enters Trade. Assumes p.mu is held and the
// end condition was checked.
func (p *Platform) endSale() error {
	unsold := p.round.Remaining()
	if !unsold.IsZero() {
		if err := p.ledger.Burn(p.self, p.self, unsold); err != nil {
			return fmt.Errorf("burning unsold supply: %w", err)
		}
	}
	p.emit(models.Event{
		Type:    models.EventSaleRoundEnded,
		RoundID: p.round.ID,
		Amount:  unsold.Dec(), // burned
	})
	p.stage = models.StageTrade
	p.stageStart = p.now()
	return nil
}

// endTrade force-closes every open order, starts the next round and enters
// Sale. Assumes p.mu is held and the end condition was checked.
func (p *Platform) endTrade() error {
	nextPrice := p.nextRoundPrice()
	nextSupply := new(uint256.Int).Add(p.round.Supply, p.params.SupplyIncrement)
	if err := p.ledger.Mint(p.self, p.self, nextSupply); err != nil {
		return fmt.Errorf("minting round supply: %w", err)
	}

	for _, order := range p.orders {
		if !order.Open {
			continue
		}
		remainder := order.Remaining()
		if !remainder.IsZero() {
			acct := p.account(order.Seller)
			acct.tokens.Add(acct.tokens, remainder)
		}
		order.Open = false
		p.emit(models.Event{
			Type:    models.EventOrderForceClosed,
			OrderID: order.ID,
			Account: order.Seller,
			Amount:  remainder.Dec(),
		})
	}
	p.emit(models.Event{
		Type:    models.EventTradeStageEnded,
		RoundID: p.round.ID,
	})

	now := p.now()
	p.round = models.Round{
		ID:        p.round.ID + 1,
		Price:     nextPrice,
		Supply:    nextSupply,
		Sold:      uint256.NewInt(0),
		StartedAt: now,
	}
	p.stage = models.StageSale
	p.stageStart = now
	p.emit(models.Event{
		Type:    models.EventSaleStarted,
		RoundID: p.round.ID,
		Amount:  nextSupply.Dec(),
		Price:   nextPrice.Dec(),
	})
	return nil
}

// nextRoundPrice applies the growth rule: price * (100+growth)/100 + increment.
func (p *Platform) nextRoundPrice() *uint256.Int {
	next := new(uint256.Int).Mul(p.round.Price, uint256.NewInt(100+p.params.PriceGrowthPercent))
	next.Div(next, uint256.NewInt(100))
	return next.Add(next, p.params.PriceIncrement)
}

// StageName returns "Sale", "Trade" or "None" for external consumption.
func (p *Platform) StageName() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stage.String()
}

// TimeLeftInStage returns how long until the current stage's duration
// elapses. Zero once the stage is overdue or before the sale starts.
func (p *Platform) TimeLeftInStage() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	var duration time.Duration
	switch p.stage {
	case models.StageSale:
		duration = p.params.SaleDuration
	case models.StageTrade:
		duration = p.params.TradeDuration
	default:
		return 0
	}
	left := duration - p.now().Sub(p.stageStart)
	if left < 0 {
		return 0
	}
	return left
}

// LastRoundID returns the current round id, 0 before the sale starts.
func (p *Platform) LastRoundID() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.round.ID
}

// CurrentRound returns a snapshot of the active round.
func (p *Platform) CurrentRound() models.Round {
	p.mu.Lock()
	defer p.mu.Unlock()
	round := p.round
	if round.Price != nil {
		round.Price = new(uint256.Int).Set(round.Price)
		round.Supply = new(uint256.Int).Set(round.Supply)
		round.Sold = new(uint256.Int).Set(round.Sold)
	}
	return round
}

// EthBalanceOf returns addr's claimable ether balance.
func (p *Platform) EthBalanceOf(addr models.Address) *uint256.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if acct, ok := p.accounts[addr]; ok {
		return new(uint256.Int).Set(acct.eth)
	}
	return uint256.NewInt(0)
}

// TokenBalanceOf returns addr's claimable token balance.
func (p *Platform) TokenBalanceOf(addr models.Address) *uint256.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if acct, ok := p.accounts[addr]; ok {
		return new(uint256.Int).Set(acct.tokens)
	}
	return uint256.NewInt(0)
}

// ReferrerOf returns addr's referrer and whether addr is registered.
func (p *Platform) ReferrerOf(addr models.Address) (models.Address, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if acct, ok := p.accounts[addr]; ok && acct.registered {
		return acct.referrer, true
	}
	return models.ZeroAddress, false
}

// PlatformBalance returns the platform-retained ether balance.
func (p *Platform) PlatformBalance() *uint256.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(uint256.Int).Set(p.platformEth)
}

// account returns the entry for addr, creating it if needed. Assumes p.mu is
// held.
func (p *Platform) account(addr models.Address) *account {
	if acct, ok := p.accounts[addr]; ok {
		return acct
	}
	acct := &account{
		referrer: models.ZeroAddress,
		eth:      uint256.NewInt(0),
		tokens:   uint256.NewInt(0),
	}
	p.accounts[addr] = acct
	return acct
}

// emit stamps and forwards an event. Assumes p.mu is held; nil-safe.
func (p *Platform) emit(event models.Event) {
	if p.sink == nil {
		return
	}
	event.ID = uuid.NewString()
	event.OccurredAt = p.now()
	p.sink.Emit(event)
}

// pctOf returns value * percent / 100. The product must fit 256 bits.
func pctOf(value *uint256.Int, percent uint64) (*uint256.Int, error) {
	share, overflow := new(uint256.Int).MulOverflow(value, uint256.NewInt(percent))
	if overflow {
		return nil, fmt.Errorf("%w: %d%% of %s", ErrOverflow, percent, value.Dec())
	}
	return share.Div(share, uint256.NewInt(100)), nil
}

// bpsOf returns value * bps / 10000. The product must fit 256 bits.
func bpsOf(value *uint256.Int, bps uint64) (*uint256.Int, error) {
	share, overflow := new(uint256.Int).MulOverflow(value, uint256.NewInt(bps))
	if overflow {
		return nil, fmt.Errorf("%w: %dbps of %s", ErrOverflow, bps, value.Dec())
	}
	return share.Div(share, uint256.NewInt(10000)), nil
}

// tokensForValue converts wei to token units at the given price: floor of
// value * 1e18 / price. The scaled value must fit 256 bits.
func tokensForValue(value, price *uint256.Int) (*uint256.Int, error) {
	amount, overflow := new(uint256.Int).MulOverflow(value, oneToken)
	if overflow {
		return nil, fmt.Errorf("%w: value %s", ErrOverflow, value.Dec())
	}
	return amount.Div(amount, price), nil
}

// valueForTokens converts token units to wei at the given price. The product
// must fit 256 bits.
func valueForTokens(amount, price *uint256.Int) (*uint256.Int, error) {
	value, overflow := new(uint256.Int).MulOverflow(amount, price)
	if overflow {
		return nil, fmt.Errorf("%w: %s tokens at %s", ErrOverflow, amount.Dec(), price.Dec())
	}
	return value.Div(value, oneToken), nil
}
