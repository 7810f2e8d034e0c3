package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/pointsmith/internal/jobs"
)

const ctxQuoteKey contextKey = "parsed_quote"

// Quoter prices a request. Satisfied by jobs.Service.
type Quoter interface {
	Quote(counts map[string]int) (*jobs.Quote, error)
}

type peekCounts struct {
	Counts map[string]int `json:"counts"`
}

// QuoteFromCtx returns the quote computed by QuantityCheck, or nil if not set.
func QuoteFromCtx(ctx context.Context) *jobs.Quote {
	q, _ := ctx.Value(ctxQuoteKey).(*jobs.Quote)
	return q
}

// QuantityCheck rejects task requests with unknown kinds, bad counts or more
// units than allowed, and turns away requests that would clearly pass the
// daily spend limit of the principal set by BearerAuth. The spend read here
// is outside the debit transaction, so it is only an early rejection;
// CreateTask enforces the limit under the account lock. Reads the body to
// extract "counts", then replaces r.Body so downstream handlers can re-read it.
func QuantityCheck(pool *pgxpool.Pool, quoter Quoter, dailyLimit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := PrincipalFromCtx(r.Context())
			if p == nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}

			bodyBytes, err := io.ReadAll(r.Body)
			r.Body.Close()
			if err != nil {
				http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
				return
			}
			// Restore body for the handler.
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

			var peek peekCounts
			if err := json.Unmarshal(bodyBytes, &peek); err != nil {
				http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
				return
			}
			q, err := quoter.Quote(peek.Counts)
			if err != nil {
				msg, _ := json.Marshal(map[string]string{"error": err.Error()})
				http.Error(w, string(msg), http.StatusBadRequest)
				return
			}

			if dailyLimit > 0 {
				spent, err := dailySpendFn(r.Context(), pool, p.AccountID)
				if err != nil {
					http.Error(w, `{"error":"failed to check daily spend"}`, http.StatusInternalServerError)
					return
				}
				if spent+q.TotalCost > dailyLimit {
					http.Error(w, fmt.Sprintf(`{"error":"daily spend %d + cost %d exceeds daily limit %d"}`, spent, q.TotalCost, dailyLimit), http.StatusForbidden)
					return
				}
			}

			ctx := context.WithValue(r.Context(), ctxQuoteKey, q)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// dailySpendFn is the function used to compute today's spend.
// Tests can replace this to avoid hitting a real database.
var dailySpendFn = defaultDailySpend

// defaultDailySpend sums usage debits net of refunds for the account today (UTC).
func defaultDailySpend(ctx context.Context, pool *pgxpool.Pool, accountID uuid.UUID) (int64, error) {
	var total int64
	err := pool.QueryRow(ctx, `
		SELECT COALESCE(-SUM(amount), 0)::bigint
		FROM ledger_entries
		WHERE account_id = $1 AND kind IN ('usage', 'refund')
		  AND created_at >= (now() AT TIME ZONE 'UTC')::date
	`, accountID).Scan(&total)
	return total, err
}
