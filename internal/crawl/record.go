// Package crawl harvests paginated listing data from a rendered results page.
package crawl

import (
	"io"
	"time"
)

// FixedPrice is a one-off budget.
type FixedPrice struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// HourlyRange is an hourly rate band. Max equals Min when a single rate is quoted.
type HourlyRange struct {
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Currency string  `json:"currency"`
}

// Pricing holds at most one of Fixed or Hourly.
type Pricing struct {
	Fixed  *FixedPrice  `json:"fixed,omitempty"`
	Hourly *HourlyRange `json:"hourly,omitempty"`
}

// ListingRecord is one harvested listing.
type ListingRecord struct {
	ExternalID      string    `json:"externalId,omitempty"`
	Title           string    `json:"title"`
	URL             string    `json:"url,omitempty"`
	Description     string    `json:"description,omitempty"`
	Tags            []string  `json:"tags,omitempty"`
	Pricing         Pricing   `json:"pricing"`
	ExperienceLevel string    `json:"experienceLevel,omitempty"`
	ClientSummary   string    `json:"clientSummary,omitempty"`
	PageNumber      int       `json:"pageNumber"`
	ExtractedAt     time.Time `json:"extractedAt"`
	// MissingID marks a record that had no id; such records are never deduplicated.
	MissingID bool `json:"missingId,omitempty"`
}

// Summary describes one crawl invocation.
type Summary struct {
	PagesVisited     int           `json:"pagesVisited"`
	RecordsCollected int           `json:"jobsCollected"`
	UniqueIDs        int           `json:"uniqueJobIds"`
	Duration         time.Duration `json:"-"`
	DurationMs       int64         `json:"durationMs"`
	Failures         []string      `json:"failures"`
}

// WriteSummary writes s to w as one JSON line.
func WriteSummary(w io.Writer, s Summary) error {
	if s.Failures == nil {
		s.Failures = []string{}
	}
	return json.NewEncoder(w).Encode(s)
}
