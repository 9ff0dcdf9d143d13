package wizard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/profilepilot/internal/browser"
	"github.com/xkilldash9x/profilepilot/internal/interact"
)

const (
	birthDateInput = "2006-01-02"
	optionalWait   = 2 * time.Second
)

var editable = interact.Require{Editable: true, Enabled: true}

// fill types a required value into the first field of fieldChain.
func (r *Runner) fill(ctx context.Context, field string, fieldChain []browser.Selector, value string) Outcome {
	if strings.TrimSpace(value) == "" {
		return hard(KindMissingInput, "account %s has no %s", r.account.ID, field)
	}
	res, err := r.ix.Fill(ctx, fieldChain, value, r.cfg.LocateTimeout)
	if err != nil {
		return r.failure(ctx, err, KindSelectorNotFound, "%s field", field)
	}
	if !res.OK() {
		return soft(KindVerificationMismatch, "%s did not read back", field)
	}
	return succeed()
}

// fillOptional types value when both the value and the field exist.
func (r *Runner) fillOptional(ctx context.Context, field string, fieldChain []browser.Selector, value string) Outcome {
	if strings.TrimSpace(value) == "" {
		return succeed()
	}
	el, err := r.ix.Locate(ctx, fieldChain, optionalWait, editable)
	if errors.Is(err, interact.ErrNotFound) {
		r.logger.Debug("Optional field not shown.", zap.String("field", field))
		return succeed()
	}
	if err != nil {
		return r.failure(ctx, err, KindSelectorNotFound, "%s field", field)
	}
	res, err := r.ix.TypeWithVerification(ctx, el, value)
	if err != nil {
		return r.failure(ctx, err, KindVerificationMismatch, "%s field", field)
	}
	if !res.OK() {
		return soft(KindVerificationMismatch, "%s did not read back", field)
	}
	return succeed()
}

// pick enters value into an autocomplete field. Empty values are skipped.
func (r *Runner) pick(ctx context.Context, field string, fieldChain []browser.Selector, value string, allowFreeText bool) Outcome {
	if strings.TrimSpace(value) == "" {
		return succeed()
	}
	el, err := r.ix.Locate(ctx, fieldChain, r.cfg.LocateTimeout, editable)
	if err != nil {
		return r.failure(ctx, err, KindSelectorNotFound, "%s field", field)
	}
	res, err := r.ix.SelectFromDropdown(ctx, el, value, allowFreeText)
	if err != nil {
		return r.failure(ctx, err, KindVerificationMismatch, "%s field", field)
	}
	if !res.OK() {
		return soft(KindVerificationMismatch, "no %s suggestion for %q", field, value)
	}
	return succeed()
}

// steps runs outcomes in order and stops at the first failure.
func steps(fns ...func() Outcome) Outcome {
	for _, fn := range fns {
		if out := fn(); !out.OK() {
			return out
		}
	}
	return succeed()
}

func fillText(field string, fieldChain []browser.Selector, value func(Profile) string) func(context.Context, *Runner) Outcome {
	return func(ctx context.Context, r *Runner) Outcome {
		return r.fill(ctx, field, fieldChain, value(r.account.Profile))
	}
}

func enterCredentials(ctx context.Context, r *Runner) Outcome {
	a := r.account
	if a.Password == "" {
		return hard(KindMissingInput, "account %s has no password", a.ID)
	}
	return steps(
		func() Outcome { return r.fillOptional(ctx, "first name", firstNameField, a.Profile.FirstName) },
		func() Outcome { return r.fillOptional(ctx, "last name", lastNameField, a.Profile.LastName) },
		func() Outcome { return r.fill(ctx, "email", emailField, a.Email) },
		func() Outcome { return r.fill(ctx, "password", passwordField, a.Password) },
		func() Outcome {
			if _, err := r.ix.CheckOption(ctx, termsCheckbox, optionalWait); err != nil && fatal(ctx, err) {
				return r.failure(ctx, err, KindSelectorNotFound, "terms checkbox")
			}
			return succeed()
		},
	)
}

func verifyPhone(ctx context.Context, r *Runner) Outcome {
	if r.phone == nil {
		return soft(KindOTPUnavailable, "no verification provider is configured")
	}
	order, err := r.phone.Acquire(ctx, r.account.ID, r.account.Profile.PhoneRegion)
	if err != nil {
		return soft(KindOTPUnavailable, "acquiring a phone number: %v", err)
	}
	log := r.logger.With(zap.String("order_id", order.OrderID))

	el, err := r.ix.Locate(ctx, phoneField, r.cfg.LocateTimeout, editable)
	if err != nil {
		return r.failure(ctx, err, KindSelectorNotFound, "phone field")
	}
	res, err := r.ix.TypeWithVerification(ctx, el, order.PhoneNumber)
	if err != nil {
		return r.failure(ctx, err, KindVerificationMismatch, "phone field")
	}
	if !res.OK() {
		return soft(KindVerificationMismatch, "phone number did not read back")
	}
	if _, err := r.ix.ClickFirst(ctx, sendCodeBtn, r.cfg.LocateTimeout); err != nil {
		return r.failure(ctx, err, KindSelectorNotFound, "send code control")
	}

	log.Info("Waiting for verification code.", zap.Duration("timeout", r.otpTimeout))
	code, err := r.phone.Await(ctx, order, r.otpTimeout)
	if err != nil {
		return soft(KindOTPUnavailable, "polling order %s: %v", order.OrderID, err)
	}
	if code == "" {
		return soft(KindOTPTimeout, "no code for order %s within %s", order.OrderID, r.otpTimeout)
	}
	return r.fill(ctx, "verification code", codeField, code)
}

func chooseCategories(ctx context.Context, r *Runner) Outcome {
	cats := r.account.Profile.Categories
	if len(cats) == 0 {
		return hard(KindMissingInput, "account %s has no categories", r.account.ID)
	}
	checked := 0
	for _, c := range cats {
		if _, err := r.ix.ClickFirst(ctx, categoryButton(c.Name), r.cfg.LocateTimeout); err != nil {
			if fatal(ctx, err) {
				return r.failure(ctx, err, KindSelectorNotFound, "category %q", c.Name)
			}
			r.logger.Warn("Category not offered.", zap.String("category", c.Name), zap.Error(err))
			continue
		}
		for _, leaf := range c.Leaves {
			ok, err := r.ix.CheckOption(ctx, leafOption(leaf), r.cfg.LocateTimeout)
			if err != nil {
				if fatal(ctx, err) {
					return r.failure(ctx, err, KindSelectorNotFound, "specialty %q", leaf)
				}
				r.logger.Warn("Specialty not offered.", zap.String("specialty", leaf), zap.Error(err))
				continue
			}
			if ok {
				checked++
			}
		}
	}
	if checked == 0 {
		// Custom checkbox widgets do not expose state on the clicked element.
		n, err := r.countAny(ctx, checkedLeaves)
		if err != nil {
			return r.failure(ctx, err, KindVerificationMismatch, "counting checked specialties")
		}
		checked = n
	}
	if checked == 0 {
		return soft(KindVerificationMismatch, "no specialty is checked")
	}
	return succeed()
}

func addSkills(ctx context.Context, r *Runner) Outcome {
	skills := r.account.Profile.Skills
	if len(skills) == 0 {
		return hard(KindMissingInput, "account %s has no skills", r.account.ID)
	}
	el, err := r.ix.Locate(ctx, skillsInput, r.cfg.LocateTimeout, editable)
	if err != nil {
		return r.failure(ctx, err, KindSelectorNotFound, "skills field")
	}
	for _, s := range skills {
		res, err := r.ix.SelectFromDropdown(ctx, el, s, false)
		if err != nil {
			return r.failure(ctx, err, KindVerificationMismatch, "skill %q", s)
		}
		if !res.OK() {
			r.logger.Warn("Skill has no suggestion.", zap.String("skill", s))
		}
	}
	n, err := r.countAny(ctx, skillTokens)
	if err != nil {
		return r.failure(ctx, err, KindVerificationMismatch, "counting skill tokens")
	}
	if n == 0 {
		return soft(KindVerificationMismatch, "no skill token after entering %d skills", len(skills))
	}
	return succeed()
}

func addEmploymentEntries(ctx context.Context, r *Runner) Outcome {
	jobs := r.account.Profile.Employment
	if len(jobs) == 0 {
		return r.skip(ctx, StageEmployment)
	}
	for i, e := range jobs {
		label := fmt.Sprintf("employment entry %d", i+1)
		out := r.withModal(ctx, addEmployment, label, func() Outcome {
			return steps(
				func() Outcome { return r.fill(ctx, "job title", jobTitleField, e.Role) },
				func() Outcome { return r.fill(ctx, "company", companyField, e.Company) },
				func() Outcome { return r.fillOptional(ctx, "job city", jobCityField, e.City) },
				func() Outcome { return r.pick(ctx, "job country", jobCountry, e.Country, true) },
				func() Outcome {
					if !e.Current {
						return succeed()
					}
					if _, err := r.ix.CheckOption(ctx, currentRoleBox, r.cfg.LocateTimeout); err != nil {
						return r.failure(ctx, err, KindSelectorNotFound, "current role checkbox")
					}
					return succeed()
				},
				func() Outcome { return r.pick(ctx, "start month", startMonth, e.StartMonth, true) },
				func() Outcome { return r.pick(ctx, "start year", startYear, e.StartYear, true) },
				func() Outcome {
					if e.Current {
						return succeed()
					}
					return steps(
						func() Outcome { return r.pick(ctx, "end month", endMonth, e.EndMonth, true) },
						func() Outcome { return r.pick(ctx, "end year", endYear, e.EndYear, true) },
					)
				},
				func() Outcome { return r.fillOptional(ctx, "job description", jobDescription, e.Description) },
			)
		})
		if !out.OK() {
			return out
		}
	}
	return succeed()
}

func addEducationEntries(ctx context.Context, r *Runner) Outcome {
	schools := r.account.Profile.Education
	if len(schools) == 0 {
		return r.skip(ctx, StageEducation)
	}
	for i, e := range schools {
		label := fmt.Sprintf("education entry %d", i+1)
		out := r.withModal(ctx, addEducation, label, func() Outcome {
			return steps(
				func() Outcome { return r.pick(ctx, "school", schoolField, e.School, true) },
				func() Outcome { return r.pick(ctx, "degree", degreeField, e.Degree, true) },
				func() Outcome { return r.pick(ctx, "field of study", studyField, e.Field, true) },
				func() Outcome { return r.pick(ctx, "start year", fromYear, e.StartYear, true) },
				func() Outcome { return r.pick(ctx, "end year", toYear, e.EndYear, true) },
			)
		})
		if !out.OK() {
			return out
		}
	}
	return succeed()
}

func fillLocation(ctx context.Context, r *Runner) Outcome {
	p := r.account.Profile
	out := steps(
		func() Outcome { return r.fill(ctx, "street address", streetField, p.Address.Street) },
		func() Outcome {
			if strings.TrimSpace(p.Address.City) == "" {
				return hard(KindMissingInput, "account %s has no city", r.account.ID)
			}
			return r.pick(ctx, "city", cityField, p.Address.City, true)
		},
		func() Outcome { return r.fillOptional(ctx, "state", stateField, p.Address.State) },
		func() Outcome { return r.fillOptional(ctx, "postal code", postalField, p.Address.PostalCode) },
	)
	if !out.OK() || p.BirthDate == "" {
		return out
	}

	born, err := time.Parse(birthDateInput, p.BirthDate)
	if err != nil {
		return hard(KindMissingInput, "birth date %q is not YYYY-MM-DD", p.BirthDate)
	}
	if out := r.fill(ctx, "birth date", birthDateField, born.Format(r.cfg.BirthDateLayout)); !out.OK() {
		return out
	}
	if !r.ix.Dismiss(ctx, datePicker,
		interact.OutsideClick(),
		interact.PressEscape(),
		interact.CloseControl(datePickerShut),
	) {
		r.logger.Warn("Date picker is still open.")
	}
	return succeed()
}

// skip clicks the stage's skip control. Without one the regular advance control is used.
func (r *Runner) skip(ctx context.Context, stage Stage) Outcome {
	_, err := r.ix.ClickFirst(ctx, skipButton, optionalWait)
	switch {
	case err == nil:
		out := succeed()
		out.Advanced = true
		return out
	case errors.Is(err, interact.ErrNotFound):
		r.logger.Debug("No skip control; advancing normally.", zap.String("stage", string(stage)))
		return succeed()
	default:
		return r.failure(ctx, err, KindSelectorNotFound, "skip control of %s", stage)
	}
}

// withModal opens a dialog through opener, fills it and saves it, then
// verifies the dialog closed.
func (r *Runner) withModal(ctx context.Context, opener []browser.Selector, label string, fill func() Outcome) Outcome {
	if _, err := r.ix.ClickFirst(ctx, opener, r.cfg.LocateTimeout); err != nil {
		return r.failure(ctx, err, KindSelectorNotFound, "add control for %s", label)
	}
	open, err := r.ix.WaitPresent(ctx, modal, r.cfg.LocateTimeout)
	if err != nil {
		return r.failure(ctx, err, KindSelectorNotFound, "%s dialog", label)
	}
	if !open {
		return soft(KindSelectorNotFound, "%s dialog did not open", label)
	}
	if out := fill(); !out.OK() {
		return out
	}
	if _, err := r.ix.ClickFirst(ctx, modalSave, r.cfg.LocateTimeout); err != nil {
		return r.failure(ctx, err, KindSelectorNotFound, "save control for %s", label)
	}
	closed, err := r.waitGone(ctx, modal, r.cfg.LocateTimeout)
	if err != nil {
		return r.failure(ctx, err, KindVerificationMismatch, "%s dialog", label)
	}
	if !closed {
		return soft(KindVerificationMismatch, "%s dialog still open after save", label)
	}
	return succeed()
}

func (r *Runner) waitGone(ctx context.Context, overlay []browser.Selector, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		visible, err := r.ix.Present(ctx, overlay)
		if err != nil || !visible {
			return !visible, err
		}
		if time.Now().Add(progressPoll).After(deadline) {
			return false, nil
		}
		if err := r.ix.Humanoid().Sleep(ctx, progressPoll); err != nil {
			return false, err
		}
	}
}

// countAny returns the largest match count over sels.
func (r *Runner) countAny(ctx context.Context, sels []browser.Selector) (int, error) {
	best := 0
	for _, sel := range sels {
		n, err := r.ix.Page().Count(ctx, sel)
		if err != nil {
			return 0, err
		}
		if n > best {
			best = n
		}
	}
	return best, nil
}
