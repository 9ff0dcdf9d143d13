package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/profilepilot/internal/browser"
	"github.com/xkilldash9x/profilepilot/internal/identity"
	"github.com/xkilldash9x/profilepilot/internal/orchestrator"
	"github.com/xkilldash9x/profilepilot/internal/otp"
	"github.com/xkilldash9x/profilepilot/internal/wizard"
)

// newRunCmd creates the `run` command.
func newRunCmd(a *app) *cobra.Command {
	var (
		accountID  string
		reportPath string
	)
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Drive runnable accounts through the signup wizard",
		Long: `Runs the wizard for every account that has not succeeded, has attempts left
and is not cooling down after a challenge. One JSON line per attempt is written
to the report (stdout by default).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, logger := a.cfg, a.logger

			st, closeStore, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			var report io.Writer = cmd.OutOrStdout()
			if reportPath != "" {
				path, err := homedir.Expand(reportPath)
				if err != nil {
					return fmt.Errorf("failed to expand report path: %w", err)
				}
				f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
				if err != nil {
					return fmt.Errorf("failed to open report file: %w", err)
				}
				defer f.Close()
				report = f
			}

			manager := browser.NewManager(cfg.Browser, logger)
			defer shutdownBrowsers(ctx, manager, logger)

			deps := orchestrator.Deps{
				Store:    st,
				Launcher: orchestrator.ManagerLauncher{Manager: manager},
				Sessions: identity.NewKeeper(st, logger),
				Report:   report,
				Logger:   logger,
			}
			if cfg.Proxy.Enabled {
				deps.Proxies = identity.NewAllocator(cfg.Proxy, st, logger)
			}
			if cfg.OTP.Enabled {
				deps.Phone = otp.NewService(otp.NewClient(cfg.OTP, logger), st, cfg.OTP, logger)
			}

			orch, err := orchestrator.New(cfg, deps)
			if err != nil {
				return fmt.Errorf("failed to initialize orchestrator: %w", err)
			}

			if accountID != "" {
				res, err := orch.RunAccount(ctx, accountID)
				if err != nil {
					return err
				}
				if res.Status != wizard.StatusSuccess {
					return fmt.Errorf("account %s stopped at %s: %s", accountID, res.Stage, res.ErrorKind)
				}
				return nil
			}

			stats, err := orch.RunAll(ctx)
			logger.Info("Run complete.",
				zap.Int("accounts", stats.Accounts),
				zap.Int("attempts", stats.Attempts),
				zap.Int("succeeded", stats.Succeeded))
			return err
		},
	}

	runCmd.Flags().StringVar(&accountID, "account", "", "run only this account, even if it is not runnable")
	runCmd.Flags().StringVar(&reportPath, "report", "", "append run reports to this file instead of stdout")
	runCmd.Flags().Int("concurrency", 0, "accounts run at once (overrides engine.concurrency)")
	runCmd.Flags().String("target-stage", "", "stage to stop at (overrides wizard.target_stage)")
	runCmd.Flags().Int("max-attempts", 0, "attempt cap per account (overrides wizard.max_attempts)")
	bindFlag(runCmd, "concurrency", "engine.concurrency")
	bindFlag(runCmd, "target-stage", "wizard.target_stage")
	bindFlag(runCmd, "max-attempts", "wizard.max_attempts")
	return runCmd
}
