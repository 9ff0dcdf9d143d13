package wizard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/profilepilot/internal/browser"
	"github.com/xkilldash9x/profilepilot/internal/browser/browsertest"
	"github.com/xkilldash9x/profilepilot/internal/config"
	"github.com/xkilldash9x/profilepilot/internal/humanoid"
	"github.com/xkilldash9x/profilepilot/internal/interact"
	"github.com/xkilldash9x/profilepilot/internal/otp"
)

const site = "https://www.upwork.com"

func testWizardConfig(t *testing.T) config.WizardConfig {
	t.Helper()
	return config.WizardConfig{
		BaseURL:         site,
		TargetStage:     string(StageDone),
		StageTimeout:    5 * time.Second,
		AdvanceTimeout:  50 * time.Millisecond,
		LocateTimeout:   60 * time.Millisecond,
		MaxAttempts:     3,
		BirthDateLayout: "01/02/2006",
		ArtifactDir:     t.TempDir(),
	}
}

func testInteractor(t *testing.T, page browser.Page) *interact.Interactor {
	t.Helper()
	typing := config.TypingConfig{
		KeyDelayMax:      time.Millisecond,
		ActionDelayMax:   time.Millisecond,
		LocatePasses:     2,
		LocateBackoffMin: time.Millisecond,
		LocateBackoffMax: 2 * time.Millisecond,
	}
	return interact.New(page, humanoid.New(typing, nil, 7), zaptest.NewLogger(t), interact.Options{
		PollInterval: 2 * time.Millisecond,
		ListboxWait:  10 * time.Millisecond,
	})
}

func testAccount() Account {
	return Account{
		ID:       "acct-1",
		Email:    "jane@example.com",
		Password: "s3cret-pass",
		Profile: Profile{
			FirstName:   "Jane",
			LastName:    "Doe",
			Categories:  []Category{{Name: "Development & IT", Leaves: []string{"Back-End Development"}}},
			Skills:      []string{"Go"},
			Title:       "Backend Engineer",
			Overview:    "I build reliable services.",
			Address:     Address{Street: "1 Main St", City: "Austin", State: "TX", PostalCode: "78701"},
			BirthDate:   "1990-04-30",
			PhoneRegion: "US",
			HourlyRate:  "45.00",
		},
	}
}

func newTestRunner(t *testing.T, page *browsertest.FakePage, acct Account, phone PhoneVerifier) *Runner {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cfg := testWizardConfig(t)
	return &Runner{
		ix:         testInteractor(t, page),
		detector:   NewDetector(page, Specs()),
		artifacts:  interact.NewArtifacts(page, cfg.ArtifactDir, "run-1", logger),
		phone:      phone,
		account:    acct,
		cfg:        cfg,
		otpTimeout: time.Second,
		logger:     logger,
	}
}

func specFor(t *testing.T, st Stage) StageSpec {
	t.Helper()
	for _, s := range Specs() {
		if s.Stage == st {
			return s
		}
	}
	t.Fatalf("no spec for %s", st)
	return StageSpec{}
}

// advanceTo registers the stage's primary advance control so clicking it moves the page to path.
func advanceTo(page *browsertest.FakePage, spec StageSpec, path string) *browsertest.Element {
	btn := browsertest.Button("Next")
	btn.OnClick = func(p *browsertest.FakePage) {
		p.Clear()
		p.SetURL(site + path)
	}
	return page.Set(btn, spec.Advance[0])
}

func TestRunnerTitleStage(t *testing.T) {
	ctx := context.Background()
	page := browsertest.New()
	page.SetURL(site + "/nx/create-profile/title")
	field := page.Set(browsertest.Input(), titleField[0])
	spec := specFor(t, StageTitle)
	advanceTo(page, spec, "/nx/create-profile/employment")

	r := newTestRunner(t, page, testAccount(), nil)
	out := r.Run(ctx, spec)

	require.True(t, out.OK(), out.Evidence)
	assert.Equal(t, StageEmployment, out.Next)
	assert.Equal(t, "Backend Engineer", page.ElementValue(field))

	names := make([]string, 0)
	for _, a := range r.artifacts.List() {
		names = append(names, a.Name)
	}
	assert.Equal(t, []string{"title-before", "title-after"}, names)
}

func TestRunnerNotOnStage(t *testing.T) {
	page := browsertest.New()
	page.SetURL(site + "/nx/create-profile/rate")

	out := newTestRunner(t, page, testAccount(), nil).Run(context.Background(), specFor(t, StageTitle))
	assert.Equal(t, StatusSoftFail, out.Status)
	assert.Equal(t, KindNotOnStage, out.Kind)
}

func TestRunnerNoProgress(t *testing.T) {
	page := browsertest.New()
	page.SetURL(site + "/nx/create-profile/title")
	page.Set(browsertest.Input(), titleField[0])
	spec := specFor(t, StageTitle)
	page.Set(browsertest.Button("Next"), spec.Advance[0])

	out := newTestRunner(t, page, testAccount(), nil).Run(context.Background(), spec)
	assert.Equal(t, StatusSoftFail, out.Status)
	assert.Equal(t, KindNoProgress, out.Kind)
}

func TestRunnerReportsChallengeRightAfterSubmit(t *testing.T) {
	page := browsertest.New()
	page.SetURL(site + "/nx/create-profile/title")
	page.Set(browsertest.Input(), titleField[0])
	spec := specFor(t, StageTitle)
	next := browsertest.Button("Next")
	next.OnClick = func(p *browsertest.FakePage) { p.SetText("Please verify you are human to continue") }
	page.Set(next, spec.Advance[0])

	r := newTestRunner(t, page, testAccount(), nil)
	r.cfg.AdvanceTimeout = 30 * time.Second

	start := time.Now()
	out := r.Run(context.Background(), spec)
	assert.Equal(t, StatusSoftFail, out.Status)
	assert.Equal(t, KindCaptcha, out.Kind)
	assert.Less(t, time.Since(start), 5*time.Second, "the challenge is reported without waiting out the advance timeout")
}

func TestRunnerMissingAdvanceControl(t *testing.T) {
	page := browsertest.New()
	page.SetURL(site + "/nx/create-profile/title")
	page.Set(browsertest.Input(), titleField[0])

	out := newTestRunner(t, page, testAccount(), nil).Run(context.Background(), specFor(t, StageTitle))
	assert.Equal(t, StatusSoftFail, out.Status)
	assert.Equal(t, KindSelectorNotFound, out.Kind)
}

func TestRunnerMissingInputIsHard(t *testing.T) {
	page := browsertest.New()
	page.SetURL(site + "/nx/create-profile/title")
	page.Set(browsertest.Input(), titleField[0])
	acct := testAccount()
	acct.Profile.Title = ""

	out := newTestRunner(t, page, acct, nil).Run(context.Background(), specFor(t, StageTitle))
	assert.Equal(t, StatusHardFail, out.Status)
	assert.Equal(t, KindMissingInput, out.Kind)
}

func TestRunnerDriverLostIsHard(t *testing.T) {
	page := browsertest.New()
	page.SetURL(site + "/nx/create-profile/title")
	require.NoError(t, page.Close())

	out := newTestRunner(t, page, testAccount(), nil).Run(context.Background(), specFor(t, StageTitle))
	assert.Equal(t, StatusHardFail, out.Status)
	assert.Equal(t, KindDriverLost, out.Kind)
}

func TestGuard(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		stage  Stage
		setup  func(p *browsertest.FakePage)
		status Status
		kind   ErrorKind
	}{
		{
			name:   "clean page",
			stage:  StageTitle,
			setup:  func(p *browsertest.FakePage) { p.SetText("Got it. Now, add a title") },
			status: StatusSuccess,
		},
		{
			name:   "captcha iframe",
			stage:  StageTitle,
			setup:  func(p *browsertest.FakePage) { p.Set(browsertest.Button(""), css(`iframe[src*="captcha"]`)) },
			status: StatusSoftFail,
			kind:   KindCaptcha,
		},
		{
			name:   "hidden captcha widget is ignored",
			stage:  StageTitle,
			setup:  func(p *browsertest.FakePage) { p.Set(&browsertest.Element{}, css(`[data-sitekey]`)) },
			status: StatusSuccess,
		},
		{
			name:   "unexpected code input",
			stage:  StageCategory,
			setup:  func(p *browsertest.FakePage) { p.Set(browsertest.Input(), codeField[0]) },
			status: StatusSoftFail,
			kind:   KindMFA,
		},
		{
			name:   "code input expected on verification",
			stage:  StageVerification,
			setup:  func(p *browsertest.FakePage) { p.Set(browsertest.Input(), codeField[0]) },
			status: StatusSuccess,
		},
		{
			name:   "suspicious activity text",
			stage:  StageSkills,
			setup:  func(p *browsertest.FakePage) { p.SetText("We noticed Unusual Activity on your account.") },
			status: StatusSoftFail,
			kind:   KindSuspicious,
		},
		{
			name:   "rejected credentials",
			stage:  StageCredentials,
			setup:  func(p *browsertest.FakePage) { p.SetText("Oops! Password is incorrect.") },
			status: StatusHardFail,
			kind:   KindBadCredentials,
		},
		{
			name:   "credential text elsewhere is ignored",
			stage:  StageOverview,
			setup:  func(p *browsertest.FakePage) { p.SetText("Tip: a password is incorrect if it is reused.") },
			status: StatusSuccess,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			page := browsertest.New()
			tc.setup(page)
			out := newTestRunner(t, page, testAccount(), nil).Guard(ctx, specFor(t, tc.stage))
			assert.Equal(t, tc.status, out.Status, out.Evidence)
			assert.Equal(t, tc.kind, out.Kind)
		})
	}
}

func TestCredentialsStage(t *testing.T) {
	ctx := context.Background()
	spec := specFor(t, StageCredentials)

	setup := func() (*browsertest.FakePage, map[string]*browsertest.Element) {
		page := browsertest.New()
		page.SetURL(site + "/nx/signup/")
		fields := map[string]*browsertest.Element{
			"first":    page.Set(browsertest.Input(), firstNameField[0]),
			"last":     page.Set(browsertest.Input(), lastNameField[0]),
			"email":    page.Set(browsertest.Input(), emailField[1]),
			"password": page.Set(browsertest.Input(), passwordField[0]),
			"terms":    page.Set(&browsertest.Element{Visible: true, Enabled: true}, termsCheckbox[0]),
		}
		return page, fields
	}

	t.Run("submits and advances", func(t *testing.T) {
		page, fields := setup()
		advanceTo(page, spec, "/nx/signup/verify-phone")

		out := newTestRunner(t, page, testAccount(), nil).Run(ctx, spec)
		require.True(t, out.OK(), out.Evidence)
		assert.Equal(t, StageVerification, out.Next)
		assert.Equal(t, "Jane", page.ElementValue(fields["first"]))
		assert.Equal(t, "Doe", page.ElementValue(fields["last"]))
		assert.Equal(t, "jane@example.com", page.ElementValue(fields["email"]))
		assert.Equal(t, "s3cret-pass", page.ElementValue(fields["password"]))
	})

	t.Run("rejected credentials are terminal", func(t *testing.T) {
		page, _ := setup()
		btn := browsertest.Button("Create my account")
		btn.OnClick = func(p *browsertest.FakePage) { p.SetText("That email is already in use.") }
		page.Set(btn, spec.Advance[0])

		out := newTestRunner(t, page, testAccount(), nil).Run(ctx, spec)
		assert.Equal(t, StatusHardFail, out.Status)
		assert.Equal(t, KindBadCredentials, out.Kind)
	})
}

type fakeVerifier struct {
	order      otp.Order
	acquireErr error
	code       string
	acquired   []string
}

func (f *fakeVerifier) Acquire(_ context.Context, accountID, region string) (otp.Order, error) {
	f.acquired = append(f.acquired, accountID+"/"+region)
	return f.order, f.acquireErr
}

func (f *fakeVerifier) Await(context.Context, otp.Order, time.Duration) (string, error) {
	return f.code, nil
}

func TestVerificationStage(t *testing.T) {
	ctx := context.Background()
	spec := specFor(t, StageVerification)

	setup := func() (*browsertest.FakePage, *browsertest.Element, *browsertest.Element) {
		page := browsertest.New()
		page.SetURL(site + "/nx/signup/verify-phone")
		phone := page.Set(browsertest.Input(), phoneField[0])
		page.Set(browsertest.Button("Send code"), sendCodeBtn[0])
		code := page.Set(browsertest.Input(), codeField[0])
		return page, phone, code
	}

	t.Run("code entered and submitted", func(t *testing.T) {
		page, phone, code := setup()
		advanceTo(page, spec, "/nx/create-profile/categories")
		v := &fakeVerifier{order: otp.Order{OrderID: "o-1", PhoneNumber: "5125550100"}, code: "482913"}

		out := newTestRunner(t, page, testAccount(), v).Run(ctx, spec)
		require.True(t, out.OK(), out.Evidence)
		assert.Equal(t, StageCategory, out.Next)
		assert.Equal(t, []string{"acct-1/US"}, v.acquired)
		assert.Equal(t, "5125550100", page.ElementValue(phone))
		assert.Equal(t, "482913", page.ElementValue(code))
	})

	t.Run("no code is a timeout", func(t *testing.T) {
		page, _, _ := setup()
		v := &fakeVerifier{order: otp.Order{OrderID: "o-2", PhoneNumber: "5125550100"}}

		out := newTestRunner(t, page, testAccount(), v).Run(ctx, spec)
		assert.Equal(t, StatusSoftFail, out.Status)
		assert.Equal(t, KindOTPTimeout, out.Kind)
	})

	t.Run("provider failure", func(t *testing.T) {
		page, _, _ := setup()
		v := &fakeVerifier{acquireErr: errors.New("no numbers")}

		out := newTestRunner(t, page, testAccount(), v).Run(ctx, spec)
		assert.Equal(t, KindOTPUnavailable, out.Kind)
	})
}

func TestCategoryStage(t *testing.T) {
	ctx := context.Background()
	spec := specFor(t, StageCategory)
	acct := testAccount()

	page := browsertest.New()
	page.SetURL(site + "/nx/create-profile/categories")
	page.Set(browsertest.Button("Development & IT"), categoryButton("Development & IT")[0])
	leaf := &browsertest.Element{Visible: true, Enabled: true}
	leaf.OnClick = func(*browsertest.FakePage) { leaf.Checked = true }
	page.Set(leaf, leafOption("Back-End Development")[0])

	t.Run("unchecked leaves fail", func(t *testing.T) {
		noop := browsertest.New()
		noop.SetURL(site + "/nx/create-profile/categories")
		noop.Set(browsertest.Button("Development & IT"), categoryButton("Development & IT")[0])
		out := newTestRunner(t, noop, acct, nil).Run(ctx, spec)
		assert.Equal(t, KindVerificationMismatch, out.Kind)
	})

	t.Run("checked leaf advances", func(t *testing.T) {
		advanceTo(page, spec, "/nx/create-profile/skills")
		out := newTestRunner(t, page, acct, nil).Run(ctx, spec)
		require.True(t, out.OK(), out.Evidence)
		assert.True(t, leaf.Checked)
	})
}

func TestSkillsStage(t *testing.T) {
	ctx := context.Background()
	spec := specFor(t, StageSkills)

	page := browsertest.New()
	page.SetURL(site + "/nx/create-profile/skills")
	input := page.Set(browsertest.Input(), skillsInput[0])
	input.OnKey = func(p *browsertest.FakePage, key browser.Key) {
		if key == browser.KeyEnter {
			p.Set(browsertest.Button("Go"), skillTokens[0])
		}
	}
	input.OnInput = func(p *browsertest.FakePage, _ *browsertest.Element) {
		p.Set(browsertest.Button("Go"), interact.DefaultListboxChain[0])
	}
	advanceTo(page, spec, "/nx/create-profile/title")

	out := newTestRunner(t, page, testAccount(), nil).Run(ctx, spec)
	require.True(t, out.OK(), out.Evidence)
	assert.Contains(t, page.Keys, string(browser.KeyArrowDown))
	assert.Contains(t, page.Keys, string(browser.KeyEnter))
}

func TestEmploymentStage(t *testing.T) {
	ctx := context.Background()
	spec := specFor(t, StageEmployment)

	t.Run("empty list uses skip control", func(t *testing.T) {
		page := browsertest.New()
		page.SetURL(site + "/nx/create-profile/employment")
		skip := browsertest.Button("Skip for now")
		skip.OnClick = func(p *browsertest.FakePage) { p.SetURL(site + "/nx/create-profile/education") }
		page.Set(skip, skipButton[0])

		out := newTestRunner(t, page, testAccount(), nil).Run(ctx, spec)
		require.True(t, out.OK(), out.Evidence)
		assert.Equal(t, StageEducation, out.Next)
	})

	t.Run("entry saved through dialog", func(t *testing.T) {
		page := browsertest.New()
		page.SetURL(site + "/nx/create-profile/employment")
		dialog := &browsertest.Element{Visible: false}
		page.Set(dialog, modal[0])
		add := browsertest.Button("Add experience")
		add.OnClick = func(*browsertest.FakePage) { dialog.Visible = true }
		page.Set(add, addEmployment[0])
		role := page.Set(browsertest.Input(), jobTitleField[0])
		company := page.Set(browsertest.Input(), companyField[0])
		page.Set(browsertest.Input(), startMonth[0])
		page.Set(browsertest.Input(), startYear[0])
		page.Set(&browsertest.Element{Visible: true, Enabled: true}, currentRoleBox[0])
		save := browsertest.Button("Save")
		save.OnClick = func(*browsertest.FakePage) { dialog.Visible = false }
		page.Set(save, modalSave[0])
		advanceTo(page, spec, "/nx/create-profile/education")

		acct := testAccount()
		acct.Profile.Employment = []Employment{{
			Company: "Acme", Role: "Engineer", StartMonth: "March", StartYear: "2019", Current: true,
		}}
		out := newTestRunner(t, page, acct, nil).Run(ctx, spec)
		require.True(t, out.OK(), out.Evidence)
		assert.Equal(t, "Engineer", page.ElementValue(role))
		assert.Equal(t, "Acme", page.ElementValue(company))
		assert.False(t, dialog.Visible)
	})

	t.Run("dialog that stays open fails", func(t *testing.T) {
		page := browsertest.New()
		page.SetURL(site + "/nx/create-profile/employment")
		page.Set(browsertest.Button(""), modal[0])
		page.Set(browsertest.Button("Add experience"), addEmployment[0])
		page.Set(browsertest.Input(), jobTitleField[0])
		page.Set(browsertest.Input(), companyField[0])
		page.Set(browsertest.Button("Save"), modalSave[0])

		acct := testAccount()
		acct.Profile.Employment = []Employment{{Company: "Acme", Role: "Engineer"}}
		out := newTestRunner(t, page, acct, nil).Run(ctx, spec)
		assert.Equal(t, StatusSoftFail, out.Status)
		assert.Equal(t, KindVerificationMismatch, out.Kind)
	})
}

func TestLocationStage(t *testing.T) {
	ctx := context.Background()
	spec := specFor(t, StageLocation)

	page := browsertest.New()
	page.SetURL(site + "/nx/create-profile/location")
	street := page.Set(browsertest.Input(), streetField[0])
	page.Set(browsertest.Input(), cityField[0])
	page.Set(browsertest.Input(), stateField[0])
	page.Set(browsertest.Input(), postalField[0])
	birth := page.Set(browsertest.Input(), birthDateField[0])
	picker := &browsertest.Element{}
	birth.OnInput = func(*browsertest.FakePage, *browsertest.Element) { picker.Visible = true }
	page.Set(picker, datePicker[0])
	closeBtn := browsertest.Button("Close")
	closeBtn.OnClick = func(*browsertest.FakePage) { picker.Visible = false }
	page.Set(closeBtn, datePickerShut[0])
	advanceTo(page, spec, "/nx/create-profile/rate")

	out := newTestRunner(t, page, testAccount(), nil).Run(ctx, spec)
	require.True(t, out.OK(), out.Evidence)
	assert.Equal(t, StageRate, out.Next)
	assert.Equal(t, "1 Main St", page.ElementValue(street))
	assert.Equal(t, "04/30/1990", page.ElementValue(birth))
	assert.False(t, picker.Visible)
	assert.NotEmpty(t, page.ClicksAt, "outside click is tried first")
	assert.Contains(t, page.Keys, string(browser.KeyEscape))
}

func TestCompletionLeavesWizard(t *testing.T) {
	spec := specFor(t, StageCompletion)
	page := browsertest.New()
	page.SetURL(site + "/nx/create-profile/submit")
	advanceTo(page, spec, "/nx/welcome")

	out := newTestRunner(t, page, testAccount(), nil).Run(context.Background(), spec)
	require.True(t, out.OK(), out.Evidence)
	assert.Equal(t, StageDone, out.Next)
}
