package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/raskyld/pgbarrier"
)

// MaxMembers bounds the group so every id fits the message timestamp.
const MaxMembers = 15

var (
	ErrProcessCount    = errors.New("number of processes must be a positive integer")
	ErrBalanceMismatch = errors.New("process and balances number mismatch")
	ErrBalance         = errors.New("balance must be a positive integer")
)

func parseBalances(processes int, args []string) ([]pgbarrier.Balance, error) {
	if processes <= 0 || processes > MaxMembers {
		return nil, fmt.Errorf("%w: got %d, at most %d", ErrProcessCount, processes, MaxMembers)
	}
	if len(args) != processes {
		return nil, fmt.Errorf("%w: %d processes, %d balances", ErrBalanceMismatch, processes, len(args))
	}

	balances := make([]pgbarrier.Balance, len(args))
	for i, arg := range args {
		b, err := strconv.ParseInt(arg, 10, 16)
		if err != nil || b <= 0 {
			return nil, fmt.Errorf("%w: %q", ErrBalance, arg)
		}
		balances[i] = pgbarrier.Balance(b)
	}
	return balances, nil
}
