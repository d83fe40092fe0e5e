package platform

import (
	"fmt"
	"sort"

	"github.com/acdm/platform/internal/models"

	"github.com/holiman/uint256"
)

// CreateOrder places a resting sell offer. The caller must have approved the
// platform for amount on the ledger; the tokens move into platform custody
// until the order fills, is cancelled, or is force-closed. Returns the new
// order id (1-based, never reused).
func (p *Platform) CreateOrder(caller models.Address, amount, price *uint256.Int) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stage != models.StageTrade {
		return 0, fmt.Errorf("%w: createOrder requires Trade", ErrWrongStage)
	}
	if amount == nil || amount.IsZero() {
		return 0, fmt.Errorf("%w: order amount", ErrZeroValue)
	}
	if price == nil || price.IsZero() {
		return 0, fmt.Errorf("%w: order price", ErrZeroValue)
	}

	if err := p.ledger.TransferFrom(p.self, caller, p.self, amount); err != nil {
		return 0, fmt.Errorf("taking order custody: %w", err)
	}

	p.lastOrderID++
	order := &models.Order{
		ID:        p.lastOrderID,
		Seller:    caller,
		Amount:    new(uint256.Int).Set(amount),
		Filled:    uint256.NewInt(0),
		Price:     new(uint256.Int).Set(price),
		Open:      true,
		CreatedAt: p.now(),
	}
	p.orders[order.ID] = order

	p.emit(models.Event{
		Type:    models.EventOrderCreated,
		OrderID: order.ID,
		Account: caller,
		Amount:  order.Amount.Dec(),
		Price:   order.Price.Dec(),
	})
	return order.ID, nil
}

// BuyAtOrder fills an open order with the sent value. The fee comes out of
// the gross value, split evenly across the seller's two referral levels with
// unattributed halves retained by the platform; the seller is credited the
// net as claimable ether. Returns the token amount bought.
func (p *Platform) BuyAtOrder(caller models.Address, orderID uint64, value *uint256.Int) (*uint256.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stage != models.StageTrade {
		return nil, fmt.Errorf("%w: buyAtOrder requires Trade", ErrWrongStage)
	}
	order, ok := p.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrUnknownOrder, orderID)
	}
	if !order.Open {
		return nil, fmt.Errorf("%w: id %d", ErrOrderClosed, orderID)
	}
	if value == nil || value.IsZero() {
		return nil, fmt.Errorf("%w: sent value", ErrZeroValue)
	}
	amount, err := tokensForValue(value, order.Price)
	if err != nil {
		return nil, err
	}
	if amount.IsZero() {
		return nil, fmt.Errorf("%w: value buys no tokens", ErrZeroValue)
	}
	if order.Remaining().Lt(amount) {
		return nil, fmt.Errorf("%w: want %s, remaining %s",
			ErrOrderExceeded, amount.Dec(), order.Remaining().Dec())
	}
	fee, err := bpsOf(value, p.params.TradeFeeBasisPts)
	if err != nil {
		return nil, err
	}

	if err := p.ledger.Transfer(p.self, caller, amount); err != nil {
		return nil, fmt.Errorf("delivering tokens: %w", err)
	}
	order.Filled.Add(order.Filled, amount)
	if order.Remaining().IsZero() {
		order.Open = false
	}

	half := new(uint256.Int).Div(fee, uint256.NewInt(2))
	shares := [2]*uint256.Int{half, new(uint256.Int).Sub(fee, half)}
	ref := p.referrerOf(order.Seller)
	for _, share := range shares {
		if ref == models.ZeroAddress {
			p.platformEth.Add(p.platformEth, share)
		} else {
			acct := p.account(ref)
			acct.eth.Add(acct.eth, share)
			ref = p.referrerOf(ref)
		}
	}

	seller := p.account(order.Seller)
	net := new(uint256.Int).Sub(value, fee)
	seller.eth.Add(seller.eth, net)

	p.emit(models.Event{
		Type:    models.EventOrderFilled,
		OrderID: order.ID,
		Account: caller,
		Amount:  amount.Dec(),
		Value:   value.Dec(),
		Price:   order.Price.Dec(),
	})
	return amount, nil
}

// CancelOrder closes an open order; only the seller may cancel. The unfilled
// remainder becomes the seller's claimable token balance.
func (p *Platform) CancelOrder(caller models.Address, orderID uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrUnknownOrder, orderID)
	}
	if !order.Open {
		return fmt.Errorf("%w: id %d", ErrOrderClosed, orderID)
	}
	if order.Seller != caller {
		return fmt.Errorf("%w: %s is not the seller of order %d", ErrUnauthorized, caller, orderID)
	}

	remainder := order.Remaining()
	if !remainder.IsZero() {
		acct := p.account(caller)
		acct.tokens.Add(acct.tokens, remainder)
	}
	order.Open = false

	p.emit(models.Event{
		Type:    models.EventOrderClosed,
		OrderID: order.ID,
		Account: caller,
		Amount:  remainder.Dec(),
	})
	return nil
}

// FetchTokens withdraws the caller's full claimable token balance to the
// caller's ledger wallet. The balance is zeroed before the transfer.
func (p *Platform) FetchTokens(caller models.Address) (*uint256.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	acct, ok := p.accounts[caller]
	if !ok || acct.tokens.IsZero() {
		return nil, fmt.Errorf("%w: tokens for %s", ErrNothingToWithdraw, caller)
	}

	amount := acct.tokens
	acct.tokens = uint256.NewInt(0)
	if err := p.ledger.Transfer(p.self, caller, amount); err != nil {
		acct.tokens = amount // keep the call all-or-nothing
		return nil, fmt.Errorf("paying out tokens: %w", err)
	}
	return new(uint256.Int).Set(amount), nil
}

// FetchEther withdraws the caller's full claimable ether balance. The
// balance is zeroed before the payout amount is handed to the caller.
func (p *Platform) FetchEther(caller models.Address) (*uint256.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	acct, ok := p.accounts[caller]
	if !ok || acct.eth.IsZero() {
		return nil, fmt.Errorf("%w: ether for %s", ErrNothingToWithdraw, caller)
	}

	amount := acct.eth
	acct.eth = uint256.NewInt(0)
	return amount, nil
}

// AdminWithdrawPlatformBalance pays out the platform-retained ether.
// Owner-only.
func (p *Platform) AdminWithdrawPlatformBalance(caller models.Address) (*uint256.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if caller != p.owner {
		return nil, fmt.Errorf("%w: admin withdraw by %s", ErrUnauthorized, caller)
	}
	if p.platformEth.IsZero() {
		return nil, fmt.Errorf("%w: platform balance", ErrNothingToWithdraw)
	}

	amount := p.platformEth
	p.platformEth = uint256.NewInt(0)
	return amount, nil
}

// OrderInfo returns a snapshot of the order: original amount, filled amount,
// unit price and the open flag.
func (p *Platform) OrderInfo(orderID uint64) (models.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.orders[orderID]
	if !ok {
		return models.Order{}, fmt.Errorf("%w: id %d", ErrUnknownOrder, orderID)
	}
	return cloneOrder(order), nil
}

// LastOrderID returns the most recently allocated order id, 0 before any
// order exists.
func (p *Platform) LastOrderID() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastOrderID
}

// OpenOrders returns a snapshot of the open book sorted by lowest price
// first, then earliest creation.
func (p *Platform) OpenOrders() []models.Order {
	p.mu.Lock()
	defer p.mu.Unlock()

	book := make([]models.Order, 0, len(p.orders))
	for _, order := range p.orders {
		if order.Open {
			book = append(book, cloneOrder(order))
		}
	}
	sort.Slice(book, func(i, j int) bool {
		if book[i].Price.Eq(book[j].Price) {
			return book[i].CreatedAt.Before(book[j].CreatedAt)
		}
		return book[i].Price.Lt(book[j].Price)
	})
	return book
}

func cloneOrder(order *models.Order) models.Order {
	clone := *order
	clone.Amount = new(uint256.Int).Set(order.Amount)
	clone.Filled = new(uint256.Int).Set(order.Filled)
	clone.Price = new(uint256.Int).Set(order.Price)
	return clone
}
