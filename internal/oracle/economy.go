package oracle

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var ErrInsufficientFunds = errors.New("insufficient funds")

// Ledger is an in-memory account book keyed by lower-cased player name.
type Ledger struct {
	mu       sync.Mutex
	balances map[string]float64
	opening  float64
	currency string
}

// NewLedger seeds the given balances; unknown players open with opening.
func NewLedger(balances map[string]float64, opening float64, currency string) *Ledger {
	l := &Ledger{balances: map[string]float64{}, opening: opening, currency: currency}
	for name, v := range balances {
		l.balances[strings.ToLower(name)] = v
	}
	return l
}

func (l *Ledger) balanceLocked(player string) float64 {
	key := strings.ToLower(player)
	v, ok := l.balances[key]
	if !ok {
		v = l.opening
		l.balances[key] = v
	}
	return v
}

func (l *Ledger) Balance(player string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceLocked(player)
}

func (l *Ledger) Deposit(player string, amount float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[strings.ToLower(player)] = l.balanceLocked(player) + amount
}

func (l *Ledger) RequireFunds(player string, amount float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if amount <= 0 {
		return nil
	}
	if have := l.balanceLocked(player); have < amount {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, player, l.format(have), l.format(amount))
	}
	return nil
}

func (l *Ledger) DeductFunds(player string, amount float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if amount <= 0 {
		return nil
	}
	have := l.balanceLocked(player)
	if have < amount {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, player, l.format(have), l.format(amount))
	}
	l.balances[strings.ToLower(player)] = have - amount
	return nil
}

func (l *Ledger) Format(amount float64) string {
	return l.format(amount)
}

func (l *Ledger) format(amount float64) string {
	s := fmt.Sprintf("%.2f", amount)
	if l.currency != "" {
		s += " " + l.currency
	}
	return s
}

// Accounts lists players with an open account, ordered by name.
func (l *Ledger) Accounts() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.balances))
	for name := range l.balances {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
