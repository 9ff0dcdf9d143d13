package wizard

// Account is the input of one wizard run.
type Account struct {
	ID       string  `json:"id"`
	Email    string  `json:"email"`
	Password string  `json:"-"`
	Profile  Profile `json:"profile"`
}

// Profile is the data the wizard enters on the account's behalf.
type Profile struct {
	FirstName   string       `json:"firstName"`
	LastName    string       `json:"lastName"`
	Country     string       `json:"country"`
	Categories  []Category   `json:"categories"`
	Skills      []string     `json:"skills"`
	Title       string       `json:"title"`
	Employment  []Employment `json:"employment"`
	Education   []Education  `json:"education"`
	Overview    string       `json:"overview"`
	Address     Address      `json:"address"`
	BirthDate   string       `json:"birthDate"` // YYYY-MM-DD
	Phone       string       `json:"phone,omitempty"`
	PhoneRegion string       `json:"phoneRegion"`
	HourlyRate  string       `json:"hourlyRate"`
}

// Category is a top level category and the leaf specialties chosen under it.
type Category struct {
	Name   string   `json:"name"`
	Leaves []string `json:"leaves"`
}

type Employment struct {
	Company     string `json:"company"`
	Role        string `json:"role"`
	City        string `json:"city"`
	Country     string `json:"country"`
	StartMonth  string `json:"startMonth"`
	StartYear   string `json:"startYear"`
	EndMonth    string `json:"endMonth"`
	EndYear     string `json:"endYear"`
	Current     bool   `json:"current"`
	Description string `json:"description"`
}

type Education struct {
	School    string `json:"school"`
	Degree    string `json:"degree"`
	Field     string `json:"field"`
	StartYear string `json:"startYear"`
	EndYear   string `json:"endYear"`
}

type Address struct {
	Street     string `json:"street"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}
