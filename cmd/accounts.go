package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/profilepilot/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func newAccountsCmd(a *app) *cobra.Command {
	accountsCmd := &cobra.Command{
		Use:   "accounts",
		Short: "Inspect and import wizard accounts",
	}
	accountsCmd.AddCommand(newAccountsListCmd(a), newAccountsImportCmd(a))
	return accountsCmd
}

func newAccountsListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show every account and where it stands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, closeStore, err := openStore(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer closeStore()

			accts, err := st.List(ctx)
			if err != nil {
				return err
			}
			return writeAccountTable(cmd.OutOrStdout(), accts, a.cfg.Wizard.MaxAttempts, a.cfg.Wizard.ChallengeCooldown, time.Now())
		},
	}
}

func newAccountsImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Insert or update accounts from a JSON array",
		Long: `Reads a JSON array of {"id", "email", "password", "profile"} objects and
upserts each one. Run bookkeeping of existing accounts is left untouched.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			accts, err := parseAccounts(f)
			if err != nil {
				return err
			}

			st, closeStore, err := openStore(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer closeStore()

			for _, acct := range accts {
				if err := st.Upsert(ctx, acct); err != nil {
					return fmt.Errorf("failed to import %s: %w", acct.ID, err)
				}
			}
			a.logger.Info("Accounts imported.", zap.Int("count", len(accts)))
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d accounts.\n", len(accts))
			return nil
		},
	}
}

type importedAccount struct {
	ID       string              `json:"id"`
	Email    string              `json:"email"`
	Password string              `json:"password"`
	Profile  jsoniter.RawMessage `json:"profile"`
}

// parseAccounts reads the import format. Every entry needs an id and an email,
// and ids must be unique within the file.
func parseAccounts(r io.Reader) ([]store.Account, error) {
	var in []importedAccount
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return nil, fmt.Errorf("failed to decode accounts: %w", err)
	}
	seen := make(map[string]bool, len(in))
	out := make([]store.Account, 0, len(in))
	for i, a := range in {
		a.ID = strings.TrimSpace(a.ID)
		if a.ID == "" || strings.TrimSpace(a.Email) == "" {
			return nil, fmt.Errorf("account %d: id and email are required", i+1)
		}
		if seen[a.ID] {
			return nil, fmt.Errorf("account %d: duplicate id %q", i+1, a.ID)
		}
		seen[a.ID] = true
		out = append(out, store.Account{ID: a.ID, Email: a.Email, Password: a.Password, Profile: []byte(a.Profile)})
	}
	return out, nil
}

// accountStatus condenses the bookkeeping columns into one word.
func accountStatus(a store.Account, maxAttempts int, cooldown time.Duration, now time.Time) string {
	switch {
	case a.SucceededAt != nil:
		return "succeeded"
	case a.HardFailedAt != nil:
		return "hard_failed"
	case a.CaptchaFlaggedAt != nil && now.Sub(*a.CaptchaFlaggedAt) < cooldown:
		return "cooling_down"
	case a.Attempts >= maxAttempts:
		return "exhausted"
	default:
		return "runnable"
	}
}

func writeAccountTable(w io.Writer, accts []store.Account, maxAttempts int, cooldown time.Duration, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEMAIL\tSTATUS\tATTEMPTS\tLAST STAGE\tPROXY PORT\tLAST ERROR")
	for _, acct := range accts {
		port := "-"
		if acct.ProxyPort > 0 {
			port = fmt.Sprint(acct.ProxyPort)
		}
		stage := acct.LastStage
		if stage == "" {
			stage = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			acct.ID, acct.Email, accountStatus(acct, maxAttempts, cooldown, now),
			acct.Attempts, stage, port, truncate(acct.LastError, 60))
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
