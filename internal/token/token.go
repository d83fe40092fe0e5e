// Package token implements the capability-gated mintable/burnable balance
// ledger backing the trading platform. Mint and burn rights are granted to a
// single controller exactly once; after binding, nobody else (the deploying
// owner included) can change supply.
package token

import (
	"errors"
	"fmt"
	"sync"

	"github.com/acdm/platform/internal/models"

	"github.com/holiman/uint256"
)

const (
	Name     = "ACDM Token"
	Symbol   = "ACDM"
	Decimals = 18
)

var (
	ErrNotOwner              = errors.New("caller is not the ledger owner")
	ErrAlreadyBound          = errors.New("controller already bound")
	ErrNotController         = errors.New("caller is not the controller")
	ErrZeroAddress           = errors.New("zero address")
	ErrZeroAmount            = errors.New("zero amount")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
)

// Ledger is an 18-decimals fungible token ledger. All amounts are fixed-point
// integers scaled by 1e18.
type Ledger struct {
	mu sync.RWMutex

	owner      models.Address
	controller models.Address
	bound      bool

	totalSupply *uint256.Int
	balances    map[models.Address]*uint256.Int
	allowances  map[models.Address]map[models.Address]*uint256.Int
}

// NewLedger creates an empty ledger owned by the given address.
func NewLedger(owner models.Address) *Ledger {
	return &Ledger{
		owner:       owner,
		totalSupply: uint256.NewInt(0),
		balances:    make(map[models.Address]*uint256.Int),
		allowances:  make(map[models.Address]map[models.Address]*uint256.Int),
	}
}

// BindController grants exclusive mint/burn rights to the given address.
// Callable exactly once, by the owner only.
func (l *Ledger) BindController(caller, controller models.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if caller != l.owner {
		return fmt.Errorf("%w: %s", ErrNotOwner, caller)
	}
	if l.bound {
		return ErrAlreadyBound
	}
	if controller == models.ZeroAddress || controller == "" {
		return fmt.Errorf("%w: controller", ErrZeroAddress)
	}

	l.controller = controller
	l.bound = true
	return nil
}

// Mint creates amount tokens for to. Controller only.
func (l *Ledger) Mint(caller, to models.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.bound || caller != l.controller {
		return fmt.Errorf("%w: %s", ErrNotController, caller)
	}
	if to == models.ZeroAddress || to == "" {
		return fmt.Errorf("%w: mint target", ErrZeroAddress)
	}
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("%w: mint", ErrZeroAmount)
	}

	l.credit(to, amount)
	l.totalSupply.Add(l.totalSupply, amount)
	return nil
}

// Burn destroys amount tokens held by from. Controller only.
func (l *Ledger) Burn(caller, from models.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.bound || caller != l.controller {
		return fmt.Errorf("%w: %s", ErrNotController, caller)
	}
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("%w: burn", ErrZeroAmount)
	}
	balance := l.balances[from]
	if balance == nil || balance.Lt(amount) {
		return fmt.Errorf("%w: burn %s from %s", ErrInsufficientBalance, amount.Dec(), from)
	}

	balance.Sub(balance, amount)
	l.totalSupply.Sub(l.totalSupply, amount)
	return nil
}

// Transfer moves amount tokens from from to to.
func (l *Ledger) Transfer(from, to models.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transfer(from, to, amount)
}

// Approve lets spender move up to amount tokens owned by owner. Overwrites
// any prior allowance.
func (l *Ledger) Approve(owner, spender models.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if spender == models.ZeroAddress || spender == "" {
		return fmt.Errorf("%w: spender", ErrZeroAddress)
	}
	if amount == nil {
		return fmt.Errorf("%w: approve", ErrZeroAmount)
	}
	if l.allowances[owner] == nil {
		l.allowances[owner] = make(map[models.Address]*uint256.Int)
	}
	l.allowances[owner][spender] = new(uint256.Int).Set(amount)
	return nil
}

// TransferFrom moves amount tokens from from to to, spending caller's
// allowance.
func (l *Ledger) TransferFrom(caller, from, to models.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	allowance := l.allowances[from][caller]
	if amount == nil || allowance == nil || allowance.Lt(amount) {
		return fmt.Errorf("%w: %s spending for %s", ErrInsufficientAllowance, caller, from)
	}
	if err := l.transfer(from, to, amount); err != nil {
		return err
	}
	allowance.Sub(allowance, amount)
	return nil
}

// BalanceOf returns addr's balance.
func (l *Ledger) BalanceOf(addr models.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if b := l.balances[addr]; b != nil {
		return new(uint256.Int).Set(b)
	}
	return uint256.NewInt(0)
}

// Allowance returns what spender may still move on owner's behalf.
func (l *Ledger) Allowance(owner, spender models.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if a := l.allowances[owner][spender]; a != nil {
		return new(uint256.Int).Set(a)
	}
	return uint256.NewInt(0)
}

// TotalSupply returns the current total supply.
func (l *Ledger) TotalSupply() *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(uint256.Int).Set(l.totalSupply)
}

// Controller returns the bound controller, or the zero address before binding.
func (l *Ledger) Controller() models.Address {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.bound {
		return models.ZeroAddress
	}
	return l.controller
}

// transfer assumes l.mu is held.
func (l *Ledger) transfer(from, to models.Address, amount *uint256.Int) error {
	if to == models.ZeroAddress || to == "" {
		return fmt.Errorf("%w: transfer target", ErrZeroAddress)
	}
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("%w: transfer", ErrZeroAmount)
	}
	balance := l.balances[from]
	if balance == nil || balance.Lt(amount) {
		return fmt.Errorf("%w: transfer %s from %s", ErrInsufficientBalance, amount.Dec(), from)
	}

	balance.Sub(balance, amount)
	l.credit(to, amount)
	return nil
}

// credit assumes l.mu is held.
func (l *Ledger) credit(to models.Address, amount *uint256.Int) {
	if b := l.balances[to]; b != nil {
		b.Add(b, amount)
		return
	}
	l.balances[to] = new(uint256.Int).Set(amount)
}
