package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Report is the result of replaying an account's entries.
type Report struct {
	AccountID uuid.UUID `json:"account_id"`
	Balance   int64     `json:"balance"`
	EntrySum  int64     `json:"entry_sum"`
	Entries   int       `json:"entries"`
	Problems  []string  `json:"problems,omitempty"`
}

// OK reports whether the replay matched the cached balance with an unbroken chain.
func (r *Report) OK() bool { return len(r.Problems) == 0 }

// Verify replays the entries in creation order. The running total must match
// each entry's balance_before, no entry may leave the balance negative and the
// final sum must equal the account's cached balance.
func (s *service) Verify(ctx context.Context, accountID uuid.UUID) (*Report, error) {
	a, err := s.accounts.GetByID(ctx, accountID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	entries, err := s.entries.ListByAccountID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	r := &Report{AccountID: accountID, Balance: a.Balance, Entries: len(entries)}
	var running int64
	for _, e := range entries {
		if e.BalanceBefore != running {
			r.Problems = append(r.Problems, fmt.Sprintf("entry %d: balance_before %d, replay has %d", e.Seq, e.BalanceBefore, running))
		}
		if e.BalanceAfter != e.BalanceBefore+e.Amount {
			r.Problems = append(r.Problems, fmt.Sprintf("entry %d: balance_after %d != %d%+d", e.Seq, e.BalanceAfter, e.BalanceBefore, e.Amount))
		}
		running += e.Amount
		if running < 0 {
			r.Problems = append(r.Problems, fmt.Sprintf("entry %d: balance went negative (%d)", e.Seq, running))
		}
	}
	r.EntrySum = running
	if running != a.Balance {
		r.Problems = append(r.Problems, fmt.Sprintf("entry sum %d != cached balance %d", running, a.Balance))
	}
	return r, nil
}
