package wizard

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/xkilldash9x/profilepilot/internal/browser"
)

type pathRule struct {
	prefix string
	stage  Stage
}

// stagePaths maps wizard URL paths to stages. Matching is by longest
// segment-bounded prefix, so /nx/signup/verify-phone beats /nx/signup.
var stagePaths = []pathRule{
	{"/nx/signup", StageCredentials},
	{"/nx/signup/verify-phone", StageVerification},
	{"/nx/create-profile/categories", StageCategory},
	{"/nx/create-profile/skills", StageSkills},
	{"/nx/create-profile/title", StageTitle},
	{"/nx/create-profile/employment", StageEmployment},
	{"/nx/create-profile/education", StageEducation},
	{"/nx/create-profile/overview", StageOverview},
	{"/nx/create-profile/location", StageLocation},
	{"/nx/create-profile/rate", StageRate},
	{"/nx/create-profile/submit", StageCompletion},
	{"/nx/find-work", StageDone},
}

// FromURL resolves the stage from the URL path alone. Anything it cannot
// place, including a malformed URL, is StageUnknown.
func FromURL(raw string) Stage {
	u, err := url.Parse(raw)
	if err != nil {
		return StageUnknown
	}
	path := strings.TrimRight(u.Path, "/")
	best, bestLen := StageUnknown, -1
	for _, r := range stagePaths {
		if path != r.prefix && !strings.HasPrefix(path, r.prefix+"/") {
			continue
		}
		if len(r.prefix) > bestLen {
			best, bestLen = r.stage, len(r.prefix)
		}
	}
	return best
}

// Detector resolves the live page to a stage, first by URL and then by landmarks.
type Detector struct {
	page  browser.Page
	specs []StageSpec
}

// NewDetector creates a detector probing the landmarks of specs.
func NewDetector(page browser.Page, specs []StageSpec) *Detector {
	return &Detector{page: page, specs: specs}
}

// Detect returns the current stage and the URL it was derived from. The stage
// is always computed fresh from the page.
func (d *Detector) Detect(ctx context.Context) (Stage, string, error) {
	loc, err := d.page.URL(ctx)
	if err != nil {
		return StageUnknown, "", fmt.Errorf("could not read the current location: %w", err)
	}
	if st := FromURL(loc); st != StageUnknown {
		return st, loc, nil
	}
	st, err := d.byLandmark(ctx)
	return st, loc, err
}

func (d *Detector) byLandmark(ctx context.Context) (Stage, error) {
	for _, spec := range d.specs {
		for _, sel := range spec.Landmarks {
			el, err := d.page.Probe(ctx, sel)
			if err != nil {
				return StageUnknown, err
			}
			if el.Found && el.Visible {
				return spec.Stage, nil
			}
		}
	}
	return StageUnknown, nil
}

// OnStage reports whether the page shows stage by URL or, failing that, by one of its landmarks.
func (d *Detector) OnStage(ctx context.Context, stage Stage) (bool, error) {
	loc, err := d.page.URL(ctx)
	if err != nil {
		return false, err
	}
	if FromURL(loc) == stage {
		return true, nil
	}
	for _, spec := range d.specs {
		if spec.Stage != stage {
			continue
		}
		for _, sel := range spec.Landmarks {
			el, err := d.page.Probe(ctx, sel)
			if err != nil {
				return false, err
			}
			if el.Found && el.Visible {
				return true, nil
			}
		}
	}
	return false, nil
}
