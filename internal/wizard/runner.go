package wizard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/profilepilot/internal/browser"
	"github.com/xkilldash9x/profilepilot/internal/config"
	"github.com/xkilldash9x/profilepilot/internal/interact"
	"github.com/xkilldash9x/profilepilot/internal/otp"
)

const progressPoll = 500 * time.Millisecond

// PhoneVerifier supplies a phone number and the code texted to it.
type PhoneVerifier interface {
	Acquire(ctx context.Context, accountID, region string) (otp.Order, error)
	// Await returns "" without error when no code arrives within timeout.
	Await(ctx context.Context, order otp.Order, timeout time.Duration) (string, error)
}

// Runner executes stage specs for one account. It touches the page only
// through the interactor and never persists anything itself.
type Runner struct {
	ix         *interact.Interactor
	detector   *Detector
	artifacts  *interact.Artifacts
	phone      PhoneVerifier
	account    Account
	cfg        config.WizardConfig
	otpTimeout time.Duration
	logger     *zap.Logger
}

// Run asserts the stage, interacts, submits and waits for the wizard to move on.
func (r *Runner) Run(ctx context.Context, spec StageSpec) Outcome {
	on, err := r.detector.OnStage(ctx, spec.Stage)
	if err != nil {
		return r.failure(ctx, err, KindNotOnStage, "asserting %s", spec.Stage)
	}
	if !on {
		return soft(KindNotOnStage, "page does not show the %s stage", spec.Stage)
	}

	r.artifacts.Capture(ctx, string(spec.Stage)+"-before")
	out := spec.Interact(ctx, r)
	if !out.OK() {
		return out
	}
	if !out.Advanced {
		if _, err := r.ix.ClickFirst(ctx, spec.Advance, r.cfg.LocateTimeout); err != nil {
			return r.failure(ctx, err, KindSelectorNotFound, "advance control of %s", spec.Stage)
		}
	}

	out = r.awaitProgress(ctx, spec)
	r.artifacts.Capture(ctx, string(spec.Stage)+"-after")
	return out
}

// awaitProgress waits for the wizard to leave spec's stage. The challenge
// guard runs on the first look after the submit and again at the deadline.
func (r *Runner) awaitProgress(ctx context.Context, spec StageSpec) Outcome {
	deadline := time.Now().Add(r.cfg.AdvanceTimeout)
	guarded := false
	for {
		st, loc, err := r.detector.Detect(ctx)
		if err != nil {
			return r.failure(ctx, err, KindNoProgress, "detecting the stage after %s", spec.Stage)
		}
		if st == StageUnknown && spec.LeavesWizard {
			st = StageDone
		}
		if st != spec.Stage && st != StageUnknown {
			out := succeed()
			out.Next = st
			return out
		}
		if !guarded {
			guarded = true
			if g := r.Guard(ctx, spec); !g.OK() {
				return g
			}
		}
		if time.Now().Add(progressPoll).After(deadline) {
			if g := r.Guard(ctx, spec); !g.OK() {
				return g
			}
			return soft(KindNoProgress, "still on %s at %s after %s", spec.Stage, loc, r.cfg.AdvanceTimeout)
		}
		if err := r.ix.Humanoid().Sleep(ctx, progressPoll); err != nil {
			return r.failure(ctx, err, KindNoProgress, "waiting for %s to advance", spec.Stage)
		}
	}
}

// Guard looks for bot and identity challenges, and for rejected credentials
// on stages that submit them. It never tries to solve anything.
func (r *Runner) Guard(ctx context.Context, spec StageSpec) Outcome {
	body, err := r.ix.Page().PageText(ctx)
	if err != nil {
		if fatal(ctx, err) {
			return r.failure(ctx, err, KindNotOnStage, "reading page text")
		}
		r.logger.Debug("Could not read page text.", zap.Error(err))
	}
	body = strings.ToLower(body)

	for _, rule := range challengeRules {
		if rule.kind == KindMFA && spec.ExpectsOTP {
			continue
		}
		for _, phrase := range rule.phrases {
			if strings.Contains(body, phrase) {
				return soft(rule.kind, "page text contains %q", phrase)
			}
		}
		for _, sel := range rule.markup {
			found, err := r.ix.Present(ctx, chain(sel))
			if err != nil {
				return r.failure(ctx, err, KindNotOnStage, "probing for challenges")
			}
			if found {
				return soft(rule.kind, "page shows %s", sel)
			}
		}
	}

	if spec.CheckCredentials {
		for _, phrase := range badCredentialPhrases {
			if strings.Contains(body, phrase) {
				return hard(KindBadCredentials, "page text contains %q", phrase)
			}
		}
	}
	return succeed()
}

// failure classifies an error from a primitive. A lost driver is terminal;
// anything else is reported with the stage's own kind.
func (r *Runner) failure(ctx context.Context, err error, kind ErrorKind, format string, args ...any) Outcome {
	what := fmt.Sprintf(format, args...)
	if errors.Is(err, browser.ErrDriverLost) {
		return hard(KindDriverLost, "%s: %v", what, err)
	}
	if ctx.Err() != nil {
		return soft(kind, "%s: stage timed out: %v", what, err)
	}
	return soft(kind, "%s: %v", what, err)
}

// fatal reports whether err ends the stage rather than just one lookup.
func fatal(ctx context.Context, err error) bool {
	return errors.Is(err, browser.ErrDriverLost) || ctx.Err() != nil
}
