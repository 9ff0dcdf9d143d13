package wizard

import (
	"context"

	"github.com/xkilldash9x/profilepilot/internal/browser"
)

// StageSpec describes one wizard stage as data. The generic runner asserts the
// stage, runs Interact, clicks Advance and waits for the detector to move on.
type StageSpec struct {
	Stage Stage
	// Landmarks identify the stage when the URL does not.
	Landmarks []browser.Selector
	// Advance is the control that submits the stage.
	Advance []browser.Selector
	// Next is the stage the wizard normally shows afterwards.
	Next Stage
	// ExpectsOTP stops the challenge guard from treating the stage's own code input as MFA.
	ExpectsOTP bool
	// LeavesWizard accepts any page outside the wizard as forward progress.
	LeavesWizard bool
	// CheckCredentials enables the bad-credential check after submitting.
	CheckCredentials bool
	Interact         func(ctx context.Context, r *Runner) Outcome
}

var (
	css  = browser.CSS
	text = browser.Text
	lbl  = browser.Label
	ph   = browser.Placeholder
)

func chain(sels ...browser.Selector) []browser.Selector { return sels }

var nextButton = chain(
	css(`button[data-test="next-button"]`),
	css(`[data-qa="next-btn"]`),
	text("button", "Next"),
)

var skipButton = chain(
	css(`button[data-test="skip-button"]`),
	text("button", "Skip for now"),
	text("button", "I'll add it later"),
)

var (
	firstNameField = chain(css(`#first-name-input`), lbl("First name"), ph("First name"))
	lastNameField  = chain(css(`#last-name-input`), lbl("Last name"), ph("Last name"))
	emailField     = chain(css(`#redesigned-input-email`), css(`input[type="email"]`), lbl("Email"), ph("email"))
	passwordField  = chain(css(`#password-input`), css(`input[type="password"]`), lbl("Password"), ph("Password"))
	termsCheckbox  = chain(css(`#checkbox-terms`), lbl("Yes, I understand and agree"), text("label", "I understand and agree"))

	phoneField    = chain(css(`input[type="tel"]`), lbl("Phone number"), ph("Phone number"))
	sendCodeBtn   = chain(css(`button[data-qa="send-code"]`), text("button", "Send code"), text("button", "Send verification code"))
	codeField     = chain(css(`input[autocomplete="one-time-code"]`), lbl("Verification code"), ph("Enter code"), css(`input[name*="code"]`))
	verifyCodeBtn = chain(css(`button[data-qa="verify-code"]`), text("button", "Verify phone number"), text("button", "Verify"))

	skillsInput = chain(css(`[data-test="token-container"] input`), css(`input[aria-labelledby*="skills"]`), ph("Enter skills here"))
	skillTokens = chain(css(`[data-test="token"]`), css(`.air3-token`))

	checkedLeaves = chain(css(`input[type="checkbox"]:checked`), css(`[role="checkbox"][aria-checked="true"]`), css(`[aria-pressed="true"]`))

	titleField    = chain(css(`input[aria-labelledby="title-label"]`), lbl("Your professional role"), ph("Example: Web Developer"))
	overviewField = chain(css(`textarea[aria-labelledby="overview-label"]`), lbl("Your bio"), css(`textarea`))
	rateField     = chain(css(`input[data-test="currency-input"]`), lbl("Hourly rate"), ph("$0.00"))

	modal          = chain(css(`[role="dialog"]`), css(`.air3-modal`))
	modalSave      = chain(css(`[role="dialog"] button[data-qa="btn-save"]`), text("button", "Save"))
	addEmployment  = chain(css(`[data-qa="employment-add-btn"]`), text("button", "Add experience"))
	addEducation   = chain(css(`[data-qa="education-add-btn"]`), text("button", "Add education"))
	jobTitleField  = chain(lbl("Title"), ph("Ex: Software Engineer"))
	companyField   = chain(lbl("Company"), ph("Ex: Microsoft"))
	jobCityField   = chain(lbl("Location"), ph("Ex: London"))
	jobCountry     = chain(lbl("Country"), ph("Country"))
	currentRoleBox = chain(lbl("I am currently working in this role"))
	startMonth     = chain(css(`[data-qa="start-month"] input`), lbl("Start date month"), ph("Month"))
	startYear      = chain(css(`[data-qa="start-year"] input`), lbl("Start date year"), ph("Year"))
	endMonth       = chain(css(`[data-qa="end-month"] input`), lbl("End date month"))
	endYear        = chain(css(`[data-qa="end-year"] input`), lbl("End date year"))
	jobDescription = chain(lbl("Description"), css(`[role="dialog"] textarea`))
	schoolField    = chain(lbl("School"), ph("Ex: Northwestern University"))
	degreeField    = chain(lbl("Degree"), ph("Ex: Bachelors"))
	studyField     = chain(lbl("Field of study"), ph("Ex: Computer Science"))
	fromYear       = chain(css(`[data-qa="year-from"] input`), lbl("From"))
	toYear         = chain(css(`[data-qa="year-to"] input`), lbl("To (or expected graduation year)"), lbl("To"))

	streetField    = chain(css(`input[aria-labelledby*="street"]`), lbl("Street address"), ph("Enter street address"))
	cityField      = chain(css(`input[aria-labelledby*="city"]`), lbl("City"), ph("Enter city"))
	stateField     = chain(css(`input[aria-labelledby*="state"]`), lbl("State/Province"), ph("Enter state/province"))
	postalField    = chain(css(`input[aria-labelledby*="postal"]`), lbl("ZIP/Postal code"), ph("Enter ZIP/Postal code"))
	birthDateField = chain(css(`input[aria-labelledby*="date-of-birth"]`), lbl("Date of birth"), ph("mm/dd/yyyy"))
	datePicker     = chain(css(`.air3-datepicker`), css(`[role="dialog"] [role="grid"]`), css(`.air3-popper [role="grid"]`))
	datePickerShut = chain(css(`.air3-datepicker button[aria-label="Close"]`), text("button", "Close"))
)

func categoryButton(name string) []browser.Selector {
	return chain(text(`[role="button"],button,li`, name), text("a", name))
}

func leafOption(name string) []browser.Selector {
	return chain(lbl(name), text("label", name), text(`[role="checkbox"]`, name))
}

// Specs is the stage table, in wizard order.
func Specs() []StageSpec {
	return []StageSpec{
		{
			Stage:            StageCredentials,
			Landmarks:        chain(text("h1,h2", "Sign up to find work you love"), text("h1,h2", "Complete your free account setup")),
			Advance:          chain(css(`#button-submit-form`), text("button", "Create my account"), text("button", "Create account")),
			Next:             StageVerification,
			CheckCredentials: true,
			Interact:         enterCredentials,
		},
		{
			Stage:      StageVerification,
			Landmarks:  chain(text("h1,h2", "Verify your phone number"), text("h1,h2", "Add your phone number")),
			Advance:    verifyCodeBtn,
			Next:       StageCategory,
			ExpectsOTP: true,
			Interact:   verifyPhone,
		},
		{
			Stage:     StageCategory,
			Landmarks: chain(text("h1,h2,h3", "What kind of work are you here to do?"), text("h1,h2,h3", "select a category")),
			Advance:   nextButton,
			Next:      StageSkills,
			Interact:  chooseCategories,
		},
		{
			Stage:     StageSkills,
			Landmarks: chain(text("h1,h2,h3", "What are the main skills you offer?"), text("h1,h2,h3", "add your skills")),
			Advance:   nextButton,
			Next:      StageTitle,
			Interact:  addSkills,
		},
		{
			Stage:     StageTitle,
			Landmarks: chain(text("h1,h2,h3", "Got it. Now, add a title"), text("h1,h2,h3", "professional role")),
			Advance:   nextButton,
			Next:      StageEmployment,
			Interact:  fillText("title", titleField, func(p Profile) string { return p.Title }),
		},
		{
			Stage:     StageEmployment,
			Landmarks: chain(text("h1,h2,h3", "add some relevant work experience"), text("h1,h2,h3", "work experience")),
			Advance:   nextButton,
			Next:      StageEducation,
			Interact:  addEmploymentEntries,
		},
		{
			Stage:     StageEducation,
			Landmarks: chain(text("h1,h2,h3", "Clients like to know what you know"), text("h1,h2,h3", "add your education")),
			Advance:   nextButton,
			Next:      StageOverview,
			Interact:  addEducationEntries,
		},
		{
			Stage:     StageOverview,
			Landmarks: chain(text("h1,h2,h3", "write a bio to tell the world about yourself"), text("h1,h2,h3", "bio")),
			Advance:   nextButton,
			Next:      StageLocation,
			Interact:  fillText("overview", overviewField, func(p Profile) string { return p.Overview }),
		},
		{
			Stage:     StageLocation,
			Landmarks: chain(text("h1,h2,h3", "A few last details"), text("h1,h2,h3", "where you're based")),
			Advance:   nextButton,
			Next:      StageRate,
			Interact:  fillLocation,
		},
		{
			Stage:     StageRate,
			Landmarks: chain(text("h1,h2,h3", "set your hourly rate"), text("h1,h2,h3", "hourly rate")),
			Advance:   nextButton,
			Next:      StageCompletion,
			Interact:  fillText("hourly rate", rateField, func(p Profile) string { return p.HourlyRate }),
		},
		{
			Stage:        StageCompletion,
			Landmarks:    chain(text("h1,h2,h3", "Preview your profile"), text("h1,h2,h3", "looking good")),
			Advance:      chain(css(`[data-test="submit-profile-top-btn"]`), text("button", "Submit profile")),
			Next:         StageDone,
			LeavesWizard: true,
			Interact:     func(context.Context, *Runner) Outcome { return succeed() },
		},
	}
}

// challengeRule maps page evidence to a challenge kind.
type challengeRule struct {
	kind    ErrorKind
	markup  []browser.Selector
	phrases []string
}

var challengeRules = []challengeRule{
	{
		kind: KindCaptcha,
		markup: chain(
			css(`iframe[src*="captcha"]`),
			css(`iframe[src*="arkoselabs"]`),
			css(`#px-captcha`),
			css(`.g-recaptcha`),
			css(`[data-sitekey]`),
			css(`#challenge-stage`),
		),
		phrases: []string{"verify you are human", "press & hold", "are you a robot"},
	},
	{
		kind:    KindMFA,
		markup:  codeField[:1],
		phrases: []string{"enter the code we sent", "two-step verification", "verify it's you"},
	},
	{
		kind:    KindSuspicious,
		phrases: []string{"unusual activity", "suspicious activity", "temporarily locked", "account has been restricted"},
	},
}

var badCredentialPhrases = []string{
	"password is incorrect",
	"incorrect email or password",
	"email is already in use",
	"this email is already registered",
}
