package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/inaiurai/pointsmith/internal/db"
	"github.com/inaiurai/pointsmith/internal/ledger"
	"github.com/inaiurai/pointsmith/internal/models"
	"github.com/inaiurai/pointsmith/internal/repository"
)

// accountLookup resolves the account argument of the ledger commands.
type accountLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
	List(ctx context.Context) ([]*models.Account, error)
}

var errVerifyFailed = errors.New("ledger verification failed")

func newLedgerCommand(ctx *commandContext) *cobra.Command {
	ledgerCmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and verify account ledgers",
	}
	ledgerCmd.AddCommand(&cobra.Command{
		Use:   "show <account id|email>",
		Short: "Print an account's ledger entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), ctx, func(accounts accountLookup, led ledger.Service) error {
				return showLedger(cmd.Context(), cmd.OutOrStdout(), accounts, led, args[0])
			})
		},
	})
	ledgerCmd.AddCommand(&cobra.Command{
		Use:   "verify [account id|email]",
		Short: "Replay ledger entries against cached balances",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), ctx, func(accounts accountLookup, led ledger.Service) error {
				ref := ""
				if len(args) == 1 {
					ref = args[0]
				}
				return verifyLedgers(cmd.Context(), cmd.OutOrStdout(), accounts, led, ref)
			})
		},
	})
	return ledgerCmd
}

// withLedger opens a pool and runs fn against the ledger alone; the ledger
// commands do not need schemas or providers.
func withLedger(ctx context.Context, cc *commandContext, fn func(accountLookup, ledger.Service) error) error {
	cfg, err := cc.ensureConfig()
	if err != nil {
		return err
	}
	log := cc.logger()
	pool, err := db.Connect(ctx, cfg.Database.URL, int32(cfg.Database.MaxConns))
	if err != nil {
		return err
	}
	defer pool.Close()
	accounts := repository.NewAccountRepo(pool)
	return fn(accounts, ledger.NewService(pool, accounts, repository.NewLedgerRepo(pool), log))
}

func resolveAccount(ctx context.Context, accounts accountLookup, ref string) (*models.Account, error) {
	ref = strings.TrimSpace(ref)
	var (
		a   *models.Account
		err error
	)
	if id, perr := uuid.Parse(ref); perr == nil {
		a, err = accounts.GetByID(ctx, id)
	} else {
		a, err = accounts.GetByEmail(ctx, strings.ToLower(ref))
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %q: %w", ref, ledger.ErrAccountNotFound)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func showLedger(ctx context.Context, out io.Writer, accounts accountLookup, led ledger.Service, ref string) error {
	a, err := resolveAccount(ctx, accounts, ref)
	if err != nil {
		return err
	}
	entries, err := led.Entries(ctx, a.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s (%s) balance %d\n", a.Email, a.ID, a.Balance)
	if len(entries) == 0 {
		fmt.Fprintln(out, "No ledger entries")
		return nil
	}
	tw := newReport(entryColumns)
	var sum int64
	for _, e := range entries {
		sum += e.Amount
		tw.AppendRow(table.Row{e.Seq, e.CreatedAt.UTC().Format(time.RFC3339), e.Kind, e.Amount, e.BalanceAfter, e.Description})
	}
	// The amounts of a consistent ledger add up to the balance.
	tw.AppendFooter(table.Row{"", "", "Total", sum, a.Balance, ""})
	fmt.Fprintln(out, tw.Render())
	return nil
}

// verifyLedgers checks one account, or every account when ref is empty, and
// fails when any report has problems.
func verifyLedgers(ctx context.Context, out io.Writer, accounts accountLookup, led ledger.Service, ref string) error {
	var targets []*models.Account
	if ref != "" {
		a, err := resolveAccount(ctx, accounts, ref)
		if err != nil {
			return err
		}
		targets = []*models.Account{a}
	} else {
		all, err := accounts.List(ctx)
		if err != nil {
			return fmt.Errorf("list accounts: %w", err)
		}
		targets = all
	}

	tw := newReport(verifyColumns)
	var failed int
	for _, a := range targets {
		r, err := led.Verify(ctx, a.ID)
		if err != nil {
			return fmt.Errorf("verify %s: %w", a.ID, err)
		}
		status := "ok"
		if !r.OK() {
			failed++
			status = strings.Join(r.Problems, "; ")
		}
		tw.AppendRow(table.Row{a.Email, r.Entries, r.EntrySum, r.Balance, status})
	}
	fmt.Fprintln(out, tw.Render())
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d accounts", errVerifyFailed, failed, len(targets))
	}
	return nil
}

// reportColumn is one column of a ledger report. Amounts and counts are
// right-aligned so their digits line up.
type reportColumn struct {
	title  string
	amount bool
}

var (
	entryColumns = []reportColumn{
		{"Seq", true}, {"Time", false}, {"Kind", false}, {"Amount", true}, {"Balance", true}, {"Description", false},
	}
	verifyColumns = []reportColumn{
		{"Account", false}, {"Entries", true}, {"Sum", true}, {"Balance", true}, {"Status", false},
	}
)

// newReport returns a table writer with the header and alignment of cols.
// Titles are printed as given.
func newReport(cols []reportColumn) table.Writer {
	style := table.StyleRounded
	style.Format.Header = text.FormatDefault
	style.Format.Footer = text.FormatDefault

	tw := table.NewWriter()
	tw.SetStyle(style)
	header := make(table.Row, len(cols))
	configs := make([]table.ColumnConfig, len(cols))
	for i, c := range cols {
		header[i] = c.title
		configs[i] = table.ColumnConfig{Number: i + 1, AlignHeader: text.AlignLeft, AlignFooter: text.AlignRight}
		if c.amount {
			configs[i].Align = text.AlignRight
		}
	}
	tw.AppendHeader(header)
	tw.SetColumnConfigs(configs)
	return tw
}
