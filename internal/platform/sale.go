package platform

import (
	"fmt"

	"github.com/acdm/platform/internal/models"

	"github.com/holiman/uint256"
)

// BuyAtContract sells round supply to the caller for the sent value at the
// current round price. Referral rewards are credited to the buyer's first-
// and second-level referrers; the rest of the value is retained by the
// platform. If the purchase exhausts the round, the stage flips to Trade.
// Returns the token amount bought.
func (p *Platform) BuyAtContract(caller models.Address, value *uint256.Int) (*uint256.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stage != models.StageSale {
		return nil, fmt.Errorf("%w: buyAtContract requires Sale", ErrWrongStage)
	}
	if value == nil || value.IsZero() {
		return nil, fmt.Errorf("%w: sent value", ErrZeroValue)
	}
	amount, err := tokensForValue(value, p.round.Price)
	if err != nil {
		return nil, err
	}
	if amount.IsZero() {
		return nil, fmt.Errorf("%w: value buys no tokens", ErrZeroValue)
	}
	if p.round.Remaining().Lt(amount) {
		return nil, fmt.Errorf("%w: want %s, available %s",
			ErrSupplyExceeded, amount.Dec(), p.round.Remaining().Dec())
	}

	// Referral rewards come out of the sent value; whatever is not
	// attributed stays with the platform together with the sale proceeds.
	// Computed before any state change so the call stays all-or-nothing.
	type credit struct {
		ref    models.Address
		reward *uint256.Int
	}
	retained := new(uint256.Int).Set(value)
	var credits []credit
	levels := [2]uint64{p.params.RefLevelOnePercent, p.params.RefLevelTwoPercent}
	ref := p.referrerOf(caller)
	for _, percent := range levels {
		if ref == models.ZeroAddress {
			break
		}
		reward, err := pctOf(value, percent)
		if err != nil {
			return nil, err
		}
		credits = append(credits, credit{ref: ref, reward: reward})
		retained.Sub(retained, reward)
		ref = p.referrerOf(ref)
	}

	if err := p.ledger.Transfer(p.self, caller, amount); err != nil {
		return nil, fmt.Errorf("delivering tokens: %w", err)
	}
	p.round.Sold.Add(p.round.Sold, amount)

	for _, c := range credits {
		acct := p.account(c.ref)
		acct.eth.Add(acct.eth, c.reward)
	}
	p.platformEth.Add(p.platformEth, retained)

	p.emit(models.Event{
		Type:    models.EventTokensPurchased,
		Account: caller,
		RoundID: p.round.ID,
		Amount:  amount.Dec(),
		Value:   value.Dec(),
		Price:   p.round.Price.Dec(),
	})

	if p.round.Remaining().IsZero() {
		if err := p.endSale(); err != nil {
			return nil, err
		}
	}
	return amount, nil
}

// CurrentTokenPrice returns the active round's price. Sale only.
func (p *Platform) CurrentTokenPrice() (*uint256.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stage != models.StageSale {
		return nil, fmt.Errorf("%w: price query requires Sale", ErrWrongStage)
	}
	return new(uint256.Int).Set(p.round.Price), nil
}

// AvailableTokenAmount returns the unsold round supply. Sale only.
func (p *Platform) AvailableTokenAmount() (*uint256.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stage != models.StageSale {
		return nil, fmt.Errorf("%w: supply query requires Sale", ErrWrongStage)
	}
	return p.round.Remaining(), nil
}

// TokensForEther returns how many token units the given wei value buys at
// the current round price. Sale only.
func (p *Platform) TokensForEther(value *uint256.Int) (*uint256.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stage != models.StageSale {
		return nil, fmt.Errorf("%w: calculator requires Sale", ErrWrongStage)
	}
	return tokensForValue(value, p.round.Price)
}

// EtherForTokens returns the wei needed to buy the given token amount at the
// current round price. Sale only.
func (p *Platform) EtherForTokens(amount *uint256.Int) (*uint256.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stage != models.StageSale {
		return nil, fmt.Errorf("%w: calculator requires Sale", ErrWrongStage)
	}
	return valueForTokens(amount, p.round.Price)
}

// referrerOf resolves addr's referrer, ZeroAddress when absent. Assumes p.mu
// is held.
func (p *Platform) referrerOf(addr models.Address) models.Address {
	if acct, ok := p.accounts[addr]; ok && acct.registered {
		return acct.referrer
	}
	return models.ZeroAddress
}
