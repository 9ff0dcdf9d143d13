package wizard

import (
	"fmt"

	"github.com/xkilldash9x/profilepilot/internal/interact"
)

// Stage names one step of the remote registration wizard.
type Stage string

const (
	StageCredentials  Stage = "credentials"
	StageVerification Stage = "verification"
	StageCategory     Stage = "category"
	StageSkills       Stage = "skills"
	StageTitle        Stage = "title"
	StageEmployment   Stage = "employment"
	StageEducation    Stage = "education"
	StageOverview     Stage = "overview"
	StageLocation     Stage = "location"
	StageRate         Stage = "rate"
	StageCompletion   Stage = "completion"
	StageUnknown      Stage = "unknown"
	// StageDone is the terminal pseudo-stage reached once the UI leaves the wizard.
	StageDone Stage = "done"
)

// Sequence is the default order of the wizard.
var Sequence = []Stage{
	StageCredentials,
	StageVerification,
	StageCategory,
	StageSkills,
	StageTitle,
	StageEmployment,
	StageEducation,
	StageOverview,
	StageLocation,
	StageRate,
	StageCompletion,
}

// ParseStage validates a stage name such as a configured target stage.
func ParseStage(s string) (Stage, error) {
	st := Stage(s)
	if st == StageDone || st == StageUnknown || st.index() >= 0 {
		return st, nil
	}
	return "", fmt.Errorf("unknown wizard stage %q", s)
}

// index is the stage's position in Sequence; done sorts after every stage, unknown before.
func (s Stage) index() int {
	if s == StageDone {
		return len(Sequence)
	}
	for i, st := range Sequence {
		if st == s {
			return i
		}
	}
	return -1
}

// Status is the overall outcome class of a run.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusSoftFail Status = "soft_fail"
	StatusHardFail Status = "hard_fail"
)

// ErrorKind is a machine readable failure code.
type ErrorKind string

const (
	KindNone                 ErrorKind = ""
	KindNotOnStage           ErrorKind = "not_on_stage"
	KindNoProgress           ErrorKind = "no_progress"
	KindSelectorNotFound     ErrorKind = "selector_not_found"
	KindVerificationMismatch ErrorKind = "verification_mismatch"
	KindMissingInput         ErrorKind = "missing_input"
	KindCaptcha              ErrorKind = "captcha_detected"
	KindMFA                  ErrorKind = "mfa_required"
	KindSuspicious           ErrorKind = "suspicious_activity"
	KindOTPTimeout           ErrorKind = "otp_timeout"
	KindOTPUnavailable       ErrorKind = "otp_unavailable"
	KindStageLoop            ErrorKind = "stage_loop"
	KindCanceled             ErrorKind = "canceled"
	// KindEnvironment covers failures outside the site: no proxy port, no browser.
	KindEnvironment          ErrorKind = "environment_failure"
	KindBadCredentials       ErrorKind = "bad_credentials"
	KindNavigationFailed     ErrorKind = "navigation_failed"
	KindDriverLost           ErrorKind = "driver_lost"
)

// IsChallenge reports whether the kind is a bot or identity challenge that
// sends the account to the delayed queue.
func (k ErrorKind) IsChallenge() bool {
	return k == KindCaptcha || k == KindMFA || k == KindSuspicious
}

// RunResult is the outcome of one wizard run for one account.
type RunResult struct {
	Status    Status              `json:"status"`
	Stage     Stage               `json:"stage"`
	ErrorKind ErrorKind           `json:"errorKind,omitempty"`
	Evidence  string              `json:"evidence,omitempty"`
	Artifacts []interact.Artifact `json:"artifacts,omitempty"`
	Location  string              `json:"location,omitempty"`
}

// Retryable reports whether another run attempt may be made.
func (r RunResult) Retryable() bool { return r.Status == StatusSoftFail }

// Outcome is what a single stage returns to the controller.
type Outcome struct {
	Status   Status
	Kind     ErrorKind
	Evidence string
	// Next is the stage the UI moved to after the stage advanced.
	Next Stage
	// Advanced is set by interactions that already moved the UI on themselves.
	Advanced bool
}

func succeed() Outcome { return Outcome{Status: StatusSuccess} }

func soft(kind ErrorKind, format string, args ...any) Outcome {
	return Outcome{Status: StatusSoftFail, Kind: kind, Evidence: fmt.Sprintf(format, args...)}
}

func hard(kind ErrorKind, format string, args ...any) Outcome {
	return Outcome{Status: StatusHardFail, Kind: kind, Evidence: fmt.Sprintf(format, args...)}
}

// OK reports whether the stage succeeded.
func (o Outcome) OK() bool { return o.Status == StatusSuccess }
