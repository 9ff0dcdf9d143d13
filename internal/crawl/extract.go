package crawl

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Extractor turns the listing container's markup into records.
type Extractor interface {
	Extract(html string, pageNumber int, at time.Time) ([]ListingRecord, error)
}

// TileSelectors are the CSS selectors a TileExtractor reads a listing tile with.
// Each field may list alternatives separated by commas.
type TileSelectors struct {
	Tile        string
	Title       string
	Description string
	Tags        string
	JobType     string
	Budget      string
	Experience  string
	Client      string
}

// DefaultTileSelectors match the job tiles of the results feed.
var DefaultTileSelectors = TileSelectors{
	Tile:        `article[data-test="JobTile"], section[data-test="JobTile"], [data-ev-job-uid]`,
	Title:       `[data-test="job-tile-title-link"], h2 a, h3 a, .job-tile-title a`,
	Description: `[data-test="UpCLineClamp JobDescription"], [data-test="job-description-text"], .job-description`,
	Tags:        `[data-test="token"], .air3-token`,
	JobType:     `[data-test="job-type-label"], [data-test="job-type"]`,
	Budget:      `[data-test="is-fixed-price"], [data-test="budget"]`,
	Experience:  `[data-test="experience-level"], [data-test="contractor-tier"]`,
	Client:      `[data-test="client-info"], [data-test="JobInfoClient"]`,
}

var (
	jobIDInURL = regexp.MustCompile(`~0?([0-9a-zA-Z]{10,})`)
	amountRe   = regexp.MustCompile(`([$€£])?\s?(\d[\d,]*(?:\.\d+)?)\s?([kK])?`)
	spaceRe    = regexp.MustCompile(`\s+`)
)

// TileExtractor parses listing tiles with goquery.
type TileExtractor struct {
	sel  TileSelectors
	base *url.URL
}

// NewTileExtractor creates an extractor resolving listing links against baseURL.
func NewTileExtractor(sel TileSelectors, baseURL string) (*TileExtractor, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}
	return &TileExtractor{sel: sel, base: base}, nil
}

// Extract reads every tile in html.
func (e *TileExtractor) Extract(html string, pageNumber int, at time.Time) ([]ListingRecord, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse listing markup: %w", err)
	}

	var out []ListingRecord
	doc.Find(e.sel.Tile).Each(func(_ int, tile *goquery.Selection) {
		rec := ListingRecord{PageNumber: pageNumber, ExtractedAt: at}

		link := tile.Find(e.sel.Title).First()
		rec.Title = collapse(link.Text())
		if href, ok := link.Attr("href"); ok && href != "" {
			if u, err := url.Parse(href); err == nil {
				abs := e.base.ResolveReference(u)
				abs.RawQuery, abs.Fragment = "", ""
				rec.URL = abs.String()
			}
		}

		rec.ExternalID = strings.TrimSpace(tile.AttrOr("data-ev-job-uid", ""))
		if rec.ExternalID == "" {
			if m := jobIDInURL.FindStringSubmatch(rec.URL); m != nil {
				rec.ExternalID = m[1]
			}
		}
		rec.MissingID = rec.ExternalID == ""

		rec.Description = collapse(tile.Find(e.sel.Description).First().Text())
		tile.Find(e.sel.Tags).Each(func(_ int, s *goquery.Selection) {
			if tag := collapse(s.Text()); tag != "" {
				rec.Tags = append(rec.Tags, tag)
			}
		})
		rec.Pricing = ParsePricing(
			collapse(tile.Find(e.sel.JobType).First().Text()),
			collapse(tile.Find(e.sel.Budget).First().Text()),
		)
		rec.ExperienceLevel = collapse(tile.Find(e.sel.Experience).First().Text())
		rec.ClientSummary = collapse(tile.Find(e.sel.Client).First().Text())

		if rec.Title == "" && rec.ExternalID == "" {
			return
		}
		out = append(out, rec)
	})
	return out, nil
}

func collapse(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

// ParsePricing reads a job type label such as "Hourly: $15.00 - $35.00" or
// "Fixed-price" plus an optional budget text such as "Est. budget: $500".
func ParsePricing(jobType, budget string) Pricing {
	lower := strings.ToLower(jobType)
	switch {
	case strings.Contains(lower, "hourly"):
		vals, currency := moneyAmounts(jobType)
		if len(vals) == 0 {
			vals, currency = moneyAmounts(budget)
		}
		if len(vals) == 0 {
			return Pricing{Hourly: &HourlyRange{Currency: currency}}
		}
		r := &HourlyRange{Min: vals[0], Max: vals[0], Currency: currency}
		if len(vals) > 1 {
			r.Max = vals[1]
		}
		return Pricing{Hourly: r}
	case strings.Contains(lower, "fixed") || budget != "":
		vals, currency := moneyAmounts(budget)
		if len(vals) == 0 {
			vals, currency = moneyAmounts(jobType)
		}
		if len(vals) == 0 {
			return Pricing{}
		}
		return Pricing{Fixed: &FixedPrice{Amount: vals[0], Currency: currency}}
	}
	return Pricing{}
}

var currencies = map[string]string{"$": "USD", "€": "EUR", "£": "GBP"}

// moneyAmounts returns every money amount in s and the currency of the first one
// carrying a symbol, defaulting to USD.
func moneyAmounts(s string) ([]float64, string) {
	currency := ""
	var out []float64
	for _, m := range amountRe.FindAllStringSubmatch(s, -1) {
		v, err := strconv.ParseFloat(strings.ReplaceAll(m[2], ",", ""), 64)
		if err != nil {
			continue
		}
		if m[3] != "" {
			v *= 1000
		}
		if currency == "" && m[1] != "" {
			currency = currencies[m[1]]
		}
		out = append(out, v)
	}
	if currency == "" {
		currency = "USD"
	}
	return out, currency
}
