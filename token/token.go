// Package token is the fund-custody primitive: exact-amount transfers over
// the single fungible unit, with distinct failures and no partial moves.
package token

import (
	"fmt"

	"github.com/tolelom/proofmarket/core"
	"github.com/tolelom/proofmarket/events"
)

// BalanceOf returns the current balance of addr (zero for unknown accounts).
func BalanceOf(s core.State, addr string) (uint64, error) {
	acc, err := s.GetAccount(addr)
	if err != nil {
		return 0, err
	}
	return acc.Balance, nil
}

// Transfer moves exactly amount from one account to the other. On any error
// no balance changes. emitter may be nil.
func Transfer(s core.State, emitter *events.Emitter, from, to string, amount uint64) error {
	if from == "" || to == "" {
		return core.ErrInvalidAddress
	}
	if amount == 0 {
		return core.ErrInvalidAmount
	}

	sender, err := s.GetAccount(from)
	if err != nil {
		return err
	}
	if sender.Balance < amount {
		return fmt.Errorf("%w: have %d, need %d", core.ErrInsufficientFunds, sender.Balance, amount)
	}
	sender.Balance -= amount
	if err := s.SetAccount(sender); err != nil {
		return err
	}

	recipient, err := s.GetAccount(to)
	if err != nil {
		return err
	}
	recipient.Balance += amount
	if err := s.SetAccount(recipient); err != nil {
		return err
	}

	if emitter != nil {
		emitter.Emit(events.Event{
			Type: events.EventTokenTransfer,
			Data: map[string]any{
				"from":   from,
				"to":     to,
				"amount": amount,
			},
		})
	}
	return nil
}
