package wizard

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/profilepilot/internal/browser"
	"github.com/xkilldash9x/profilepilot/internal/config"
	"github.com/xkilldash9x/profilepilot/internal/interact"
)

// maxVisits bounds how often one stage may be entered in a single run.
const maxVisits = 2

// ProgressFunc is told about every stage that completed. Persisting it is the
// caller's business; a returned error is logged and does not stop the run.
type ProgressFunc func(ctx context.Context, stage Stage, location string) error

// Deps are the collaborators of a Controller.
type Deps struct {
	Interactor *interact.Interactor
	Phone      PhoneVerifier
	Logger     *zap.Logger
	// OTPTimeout bounds the wait for a texted code and extends the verification stage budget.
	OTPTimeout time.Duration
	Progress   ProgressFunc
}

// Controller drives one account through the wizard, re-resolving the stage
// from the live page on every transition.
type Controller struct {
	cfg      config.WizardConfig
	deps     Deps
	specs    map[Stage]StageSpec
	detector *Detector
	target   Stage
	logger   *zap.Logger
}

// NewController validates the configured target stage and builds the stage table.
func NewController(cfg config.WizardConfig, deps Deps) (*Controller, error) {
	target, err := ParseStage(cfg.TargetStage)
	if err != nil {
		return nil, fmt.Errorf("invalid wizard.target_stage: %w", err)
	}
	if target == StageUnknown {
		return nil, fmt.Errorf("invalid wizard.target_stage: %q is not a stopping point", target)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	list := Specs()
	specs := make(map[Stage]StageSpec, len(list))
	for _, s := range list {
		specs[s.Stage] = s
	}
	return &Controller{
		cfg:      cfg,
		deps:     deps,
		specs:    specs,
		detector: NewDetector(deps.Interactor.Page(), list),
		target:   target,
		logger:   deps.Logger.Named("wizard"),
	}, nil
}

// Detector exposes the controller's stage detector.
func (c *Controller) Detector() *Detector { return c.detector }

// Run executes the wizard for acct until the target stage, a failure or
// cancellation. Cancellation is only observed between stages; a stage that
// started runs to completion under its own timeout.
func (c *Controller) Run(ctx context.Context, acct Account, runID string) RunResult {
	log := c.logger.With(zap.String("account_id", acct.ID), zap.String("run_id", runID))
	page := c.deps.Interactor.Page()
	artifacts := interact.NewArtifacts(page, c.cfg.ArtifactDir, runID, log)
	r := &Runner{
		ix:         c.deps.Interactor,
		detector:   c.detector,
		artifacts:  artifacts,
		phone:      c.deps.Phone,
		account:    acct,
		cfg:        c.cfg,
		otpTimeout: c.deps.OTPTimeout,
		logger:     log,
	}

	res := RunResult{Stage: StageUnknown}
	finish := func(out Outcome) RunResult {
		res.Status = out.Status
		res.ErrorKind = out.Kind
		res.Evidence = out.Evidence
		if !out.OK() {
			artifacts.Capture(browser.Detach(ctx), string(res.Stage)+"-failure")
		}
		res.Artifacts = artifacts.List()
		log.Info("Wizard run finished.",
			zap.String("status", string(res.Status)),
			zap.String("stage", string(res.Stage)),
			zap.String("error_kind", string(res.ErrorKind)),
			zap.String("evidence", res.Evidence))
		return res
	}

	budget := 2*len(Sequence) + 2
	visits := make(map[Stage]int)
	var expected Stage
	for transitions := 0; ; transitions++ {
		if err := ctx.Err(); err != nil {
			return finish(soft(KindCanceled, "run canceled before entering the next stage: %v", err))
		}
		if transitions >= budget {
			return finish(soft(KindStageLoop, "transition budget of %d exhausted", budget))
		}

		st, loc, err := c.detect(ctx)
		if loc != "" {
			res.Location = loc
		}
		if err != nil {
			return finish(r.failure(ctx, err, KindNotOnStage, "detecting the current stage"))
		}
		if st == StageUnknown {
			st = expected
			if st == "" {
				st = Sequence[0]
			}
		}
		res.Stage = st
		if st == StageDone || st.index() >= c.target.index() {
			return finish(succeed())
		}
		if expected != "" && st != expected {
			log.Info("Wizard jumped.", zap.String("expected", string(expected)), zap.String("stage", string(st)))
		}

		visits[st]++
		if visits[st] > maxVisits {
			return finish(soft(KindStageLoop, "stage %s entered %d times", st, visits[st]))
		}

		spec := c.specs[st]
		log.Info("Entering stage.", zap.String("stage", string(st)), zap.String("location", res.Location))
		out := c.runStage(ctx, r, spec)
		if !out.OK() {
			return finish(out)
		}

		if c.deps.Progress != nil {
			if err := c.deps.Progress(browser.Detach(ctx), st, res.Location); err != nil {
				log.Warn("Could not record stage progress.", zap.String("stage", string(st)), zap.Error(err))
			}
		}
		expected = out.Next
		if expected == "" {
			expected = spec.Next
		}
	}
}

// runStage guards and runs one stage on a context detached from the caller's
// cancellation and bounded by the stage budget.
func (c *Controller) runStage(ctx context.Context, r *Runner, spec StageSpec) Outcome {
	budget := c.cfg.StageTimeout
	if spec.ExpectsOTP {
		budget += c.deps.OTPTimeout
	}
	sctx, cancel := context.WithTimeout(browser.Detach(ctx), budget)
	defer cancel()

	if g := r.Guard(sctx, spec); !g.OK() {
		return g
	}
	return r.Run(sctx, spec)
}

func (c *Controller) detect(ctx context.Context) (Stage, string, error) {
	dctx, cancel := context.WithTimeout(browser.Detach(ctx), c.cfg.LocateTimeout)
	defer cancel()
	return c.detector.Detect(dctx)
}
