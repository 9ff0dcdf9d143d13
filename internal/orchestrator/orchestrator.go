// File: internal/orchestrator/orchestrator.go
// Description: Runs the wizard for every runnable account. Each account gets its
// own proxy bridge, browser and persisted identity; outcomes go back to the store.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/profilepilot/internal/browser"
	"github.com/xkilldash9x/profilepilot/internal/config"
	"github.com/xkilldash9x/profilepilot/internal/humanoid"
	"github.com/xkilldash9x/profilepilot/internal/identity"
	"github.com/xkilldash9x/profilepilot/internal/interact"
	"github.com/xkilldash9x/profilepilot/internal/observability"
	"github.com/xkilldash9x/profilepilot/internal/store"
	"github.com/xkilldash9x/profilepilot/internal/wizard"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// AccountStore is the slice of the store the orchestrator needs.
type AccountStore interface {
	Runnable(ctx context.Context, maxAttempts int, cooldown time.Duration, now time.Time) ([]store.Account, error)
	Get(ctx context.Context, id string) (store.Account, error)
	RecordStage(ctx context.Context, id, stage string) error
	RecordOutcome(ctx context.Context, id string, o store.Outcome) error
}

// Launcher opens a browser page for one account.
type Launcher interface {
	Launch(ctx context.Context, opts browser.SessionOptions) (browser.Page, error)
}

// ManagerLauncher launches pages through a browser.Manager.
type ManagerLauncher struct {
	Manager *browser.Manager
}

func (l ManagerLauncher) Launch(ctx context.Context, opts browser.SessionOptions) (browser.Page, error) {
	s, err := l.Manager.NewSession(ctx, opts)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ProxyAllocator hands out the account's sticky upstream proxy.
type ProxyAllocator interface {
	Allocate(ctx context.Context, accountID string) (identity.ProxyIdentity, error)
}

// SessionKeeper persists and restores an account's browser identity.
type SessionKeeper interface {
	Save(ctx context.Context, accountID string, page browser.Page, proxyLabel string) error
	Resume(ctx context.Context, accountID string, page browser.Page) (bool, error)
}

// Bridge is a local forwarder to an authenticated upstream proxy.
type Bridge interface {
	Start() (string, error)
	Close(ctx context.Context) error
}

// Deps are the collaborators of an Orchestrator. Proxies, Sessions, Phone and
// Report may be nil.
type Deps struct {
	Store    AccountStore
	Launcher Launcher
	Proxies  ProxyAllocator
	Sessions SessionKeeper
	Phone    wizard.PhoneVerifier
	// Report receives one JSON line per attempt.
	Report io.Writer
	Logger *zap.Logger
}

// Stats tallies one RunAll pass.
type Stats struct {
	Accounts   int `json:"accounts"`
	Attempts   int `json:"attempts"`
	Succeeded  int `json:"succeeded"`
	SoftFailed int `json:"softFailed"`
	HardFailed int `json:"hardFailed"`
	Challenged int `json:"challenged"`
}

// Report is the line written per attempt.
type Report struct {
	AccountID string           `json:"accountId"`
	RunID     string           `json:"runId"`
	Attempt   int              `json:"attempt"`
	Result    wizard.RunResult `json:"result"`
}

// Orchestrator schedules wizard runs across accounts.
type Orchestrator struct {
	cfg    *config.Config
	deps   Deps
	logger *zap.Logger

	reportMu sync.Mutex

	newBridge func(identity.ProxyIdentity, *zap.Logger) Bridge
	now       func() time.Time
}

// New creates an Orchestrator after checking the configuration it depends on.
func New(cfg *config.Config, deps Deps) (*Orchestrator, error) {
	if cfg == nil || deps.Store == nil || deps.Launcher == nil {
		return nil, errors.New("cannot initialize orchestrator with nil dependencies")
	}
	if _, err := wizard.ParseStage(cfg.Wizard.TargetStage); err != nil {
		return nil, fmt.Errorf("invalid wizard.target_stage: %w", err)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Report == nil {
		deps.Report = io.Discard
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.Named("orchestrator"),
		newBridge: func(p identity.ProxyIdentity, l *zap.Logger) Bridge {
			return identity.NewBridge(p, l)
		},
		now: time.Now,
	}, nil
}

// RunAll runs every runnable account with bounded concurrency. It returns once
// every started run has finished; cancellation stops new runs from starting.
func (o *Orchestrator) RunAll(ctx context.Context) (Stats, error) {
	accounts, err := o.deps.Store.Runnable(ctx, o.cfg.Wizard.MaxAttempts, o.cfg.Wizard.ChallengeCooldown, o.now())
	if err != nil {
		return Stats{}, fmt.Errorf("failed to list runnable accounts: %w", err)
	}
	o.logger.Info("Starting wizard runs.", zap.Int("accounts", len(accounts)), zap.Int("concurrency", o.cfg.Engine.Concurrency))

	var (
		mu    sync.Mutex
		stats Stats
	)
	limit := o.cfg.Engine.Concurrency
	if limit <= 0 {
		limit = 1
	}
	g := new(errgroup.Group)
	g.SetLimit(limit)
	for _, acct := range accounts {
		if ctx.Err() != nil {
			break
		}
		acct := acct
		g.Go(func() error {
			res, attempts := o.runAccount(ctx, acct)
			mu.Lock()
			defer mu.Unlock()
			stats.Accounts++
			stats.Attempts += attempts
			switch {
			case res.Status == wizard.StatusSuccess:
				stats.Succeeded++
			case res.ErrorKind.IsChallenge():
				stats.Challenged++
			case res.Status == wizard.StatusHardFail:
				stats.HardFailed++
			default:
				stats.SoftFailed++
			}
			return nil
		})
	}
	_ = g.Wait()

	o.logger.Info("Wizard runs finished.",
		zap.Int("accounts", stats.Accounts),
		zap.Int("succeeded", stats.Succeeded),
		zap.Int("soft_failed", stats.SoftFailed),
		zap.Int("hard_failed", stats.HardFailed),
		zap.Int("challenged", stats.Challenged))
	return stats, ctx.Err()
}

// RunAccount runs a single stored account regardless of the runnable filter.
// It always makes at least one attempt.
func (o *Orchestrator) RunAccount(ctx context.Context, accountID string) (wizard.RunResult, error) {
	acct, err := o.deps.Store.Get(ctx, accountID)
	if err != nil {
		return wizard.RunResult{}, fmt.Errorf("failed to load account %s: %w", accountID, err)
	}
	res, _ := o.runAccount(ctx, acct)
	return res, nil
}

// runAccount makes attempts until success, a non-retryable failure, a
// challenge, cancellation or the attempt cap.
func (o *Orchestrator) runAccount(ctx context.Context, acct store.Account) (wizard.RunResult, int) {
	remaining := o.cfg.Wizard.MaxAttempts - acct.Attempts
	if remaining < 1 {
		remaining = 1
	}
	var res wizard.RunResult
	made := 0
	for i := 1; i <= remaining; i++ {
		runID := uuid.NewString()
		res = o.attempt(ctx, acct, runID)
		made++
		o.record(ctx, acct.ID, runID, acct.Attempts+i, res)

		if res.Status == wizard.StatusSuccess || !res.Retryable() || res.ErrorKind.IsChallenge() || ctx.Err() != nil {
			break
		}
		o.logger.Info("Retrying account.", zap.String("account_id", acct.ID), zap.Int("attempt", acct.Attempts+i), zap.String("error_kind", string(res.ErrorKind)))
	}
	return res, made
}

func (o *Orchestrator) record(ctx context.Context, accountID, runID string, attempt int, res wizard.RunResult) {
	out := store.Outcome{
		Success:   res.Status == wizard.StatusSuccess,
		Hard:      res.Status == wizard.StatusHardFail,
		Challenge: res.ErrorKind.IsChallenge(),
		Stage:     string(res.Stage),
		ErrorKind: string(res.ErrorKind),
		Evidence:  res.Evidence,
	}
	if err := o.deps.Store.RecordOutcome(browser.Detach(ctx), accountID, out); err != nil {
		o.logger.Error("Failed to record run outcome.", zap.String("account_id", accountID), zap.String("run_id", runID), zap.Error(err))
	}

	line, err := json.Marshal(Report{AccountID: accountID, RunID: runID, Attempt: attempt, Result: res})
	if err != nil {
		o.logger.Error("Failed to encode run report.", zap.Error(err))
		return
	}
	o.reportMu.Lock()
	defer o.reportMu.Unlock()
	if _, err := o.deps.Report.Write(append(line, '\n')); err != nil {
		o.logger.Warn("Failed to write run report.", zap.Error(err))
	}
}

func failed(status wizard.Status, kind wizard.ErrorKind, format string, args ...any) wizard.RunResult {
	return wizard.RunResult{Status: status, Stage: wizard.StageUnknown, ErrorKind: kind, Evidence: fmt.Sprintf(format, args...)}
}

// attempt performs one full run: identity setup, launch, resume, navigation and
// the wizard itself. Resources are torn down before it returns.
func (o *Orchestrator) attempt(ctx context.Context, acct store.Account, runID string) wizard.RunResult {
	log := observability.ForAccount(o.logger, acct.ID, runID)

	var profile wizard.Profile
	if len(acct.Profile) > 0 {
		if err := json.Unmarshal(acct.Profile, &profile); err != nil {
			return failed(wizard.StatusHardFail, wizard.KindMissingInput, "stored profile is not valid JSON: %v", err)
		}
	}

	opts := browser.SessionOptions{AccountID: acct.ID}
	label := ""
	if o.deps.Proxies != nil {
		upstream, err := o.deps.Proxies.Allocate(ctx, acct.ID)
		switch {
		case errors.Is(err, identity.ErrProxyDisabled):
		case err != nil:
			return failed(wizard.StatusSoftFail, wizard.KindEnvironment, "proxy allocation: %v", err)
		default:
			bridge := o.newBridge(upstream, log)
			addr, err := bridge.Start()
			if err != nil {
				return failed(wizard.StatusSoftFail, wizard.KindEnvironment, "proxy bridge: %v", err)
			}
			defer func() {
				if err := bridge.Close(browser.Detach(ctx)); err != nil {
					log.Warn("Failed to close proxy bridge.", zap.Error(err))
				}
			}()
			opts.ProxyServer = "http://" + addr
			label = upstream.Label()
		}
	}

	page, err := o.deps.Launcher.Launch(ctx, opts)
	if err != nil {
		return failed(wizard.StatusSoftFail, wizard.KindEnvironment, "browser launch: %v", err)
	}
	defer func() {
		if err := page.Close(); err != nil {
			log.Debug("Failed to close page.", zap.Error(err))
		}
	}()

	resumed := false
	if o.cfg.Wizard.ReuseSession && o.deps.Sessions != nil {
		resumed, err = o.deps.Sessions.Resume(ctx, acct.ID, page)
		if err != nil {
			if errors.Is(err, browser.ErrDriverLost) {
				return failed(wizard.StatusHardFail, wizard.KindDriverLost, "session restore: %v", err)
			}
			log.Warn("Starting without the saved session.", zap.Error(err))
			resumed = false
		}
	}

	path := o.cfg.Wizard.SignupPath
	if resumed && o.cfg.Wizard.ResumePath != "" {
		path = o.cfg.Wizard.ResumePath
	}
	entry := o.cfg.Wizard.BaseURL + path
	if err := page.Navigate(ctx, entry); err != nil {
		if errors.Is(err, browser.ErrDriverLost) {
			return failed(wizard.StatusHardFail, wizard.KindDriverLost, "navigating to %s: %v", entry, err)
		}
		return failed(wizard.StatusHardFail, wizard.KindNavigationFailed, "navigating to %s: %v", entry, err)
	}
	log.Info("Opened wizard entry.", zap.String("url", entry), zap.Bool("resumed", resumed))

	h := humanoid.New(o.cfg.Browser.Typing, nil, 0)
	ix := interact.New(page, h, log, interact.Options{
		StrictFill:  o.cfg.Wizard.StrictFill,
		ListboxWait: o.cfg.Browser.Typing.ListboxWait,
	})

	progress := func(ctx context.Context, st wizard.Stage, _ string) error {
		if err := o.deps.Store.RecordStage(ctx, acct.ID, string(st)); err != nil {
			return err
		}
		if o.deps.Sessions != nil && (st == wizard.StageCredentials || st == wizard.StageVerification) {
			return o.deps.Sessions.Save(ctx, acct.ID, page, label)
		}
		return nil
	}
	ctrl, err := wizard.NewController(o.cfg.Wizard, wizard.Deps{
		Interactor: ix,
		Phone:      o.deps.Phone,
		Logger:     log,
		OTPTimeout: o.cfg.OTP.Timeout,
		Progress:   progress,
	})
	if err != nil {
		return failed(wizard.StatusHardFail, wizard.KindMissingInput, "%v", err)
	}

	runCtx := ctx
	if o.cfg.Engine.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.cfg.Engine.RunTimeout)
		defer cancel()
	}
	res := ctrl.Run(runCtx, wizard.Account{
		ID:       acct.ID,
		Email:    acct.Email,
		Password: acct.Password,
		Profile:  profile,
	}, runID)

	if res.Status != wizard.StatusHardFail && o.deps.Sessions != nil {
		if err := o.deps.Sessions.Save(browser.Detach(ctx), acct.ID, page, label); err != nil {
			log.Warn("Failed to save session after run.", zap.Error(err))
		}
	}
	return res
}
