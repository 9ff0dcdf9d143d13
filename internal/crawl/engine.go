package crawl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/profilepilot/internal/browser"
	"github.com/xkilldash9x/profilepilot/internal/config"
	"github.com/xkilldash9x/profilepilot/internal/humanoid"
	"github.com/xkilldash9x/profilepilot/internal/interact"
)

// LoadMoreChain locates the control that appends the next page of listings.
var LoadMoreChain = []browser.Selector{
	browser.CSS(`button[data-test="load-more-button"]`),
	browser.CSS(`[data-ev-label="load_more"]`),
	browser.Text("button", "Load more"),
	browser.Text("button", "Load More Jobs"),
}

// loadMoreLabels are the label fragments a genuine load-more control carries.
var loadMoreLabels = []string{"load more", "more jobs", "show more"}

// Engine walks the listing feed page by page.
type Engine struct {
	ix        *interact.Interactor
	page      browser.Page
	h         *humanoid.Humanoid
	cfg       config.CrawlConfig
	container []browser.Selector
	extractor Extractor
	summary   io.Writer
	logger    *zap.Logger
	now       func() time.Time
}

// NewEngine creates an Engine. The summary line is written to summaryOut once
// per Crawl; a nil summaryOut discards it.
func NewEngine(ix *interact.Interactor, cfg config.CrawlConfig, extractor Extractor, summaryOut io.Writer, logger *zap.Logger) *Engine {
	if summaryOut == nil {
		summaryOut = io.Discard
	}
	return &Engine{
		ix:        ix,
		page:      ix.Page(),
		h:         ix.Humanoid(),
		cfg:       cfg,
		container: []browser.Selector{browser.CSS(cfg.ContainerSelector)},
		extractor: extractor,
		summary:   summaryOut,
		logger:    logger.Named("crawl"),
		now:       time.Now,
	}
}

// collection merges page batches, deduplicating by ExternalID.
type collection struct {
	records []ListingRecord
	seen    map[string]bool
	missing int
}

func (c *collection) merge(batch []ListingRecord) int {
	added := 0
	for _, r := range batch {
		if r.ExternalID == "" {
			r.MissingID = true
			c.records = append(c.records, r)
			c.missing++
			added++
			continue
		}
		if c.seen[r.ExternalID] {
			continue
		}
		c.seen[r.ExternalID] = true
		c.records = append(c.records, r)
		added++
	}
	return added
}

// Crawl harvests up to maxPages pages into sink. The summary is emitted when
// Crawl returns, whatever the outcome. A returned error means the crawl could
// not start; failures after the first page are reported in the summary.
func (e *Engine) Crawl(ctx context.Context, maxPages int, sink Sink) (summary Summary, err error) {
	start := e.now()
	summary.Failures = []string{}
	coll := &collection{seen: map[string]bool{}}
	defer func() {
		summary.RecordsCollected = len(coll.records)
		summary.UniqueIDs = len(coll.seen)
		summary.Duration = e.now().Sub(start)
		summary.DurationMs = summary.Duration.Milliseconds()
		if encErr := WriteSummary(e.summary, summary); encErr != nil {
			e.logger.Warn("Failed to write crawl summary.", zap.Error(encErr))
		}
	}()

	if maxPages <= 0 {
		maxPages = e.cfg.MaxPages
	}
	if e.cfg.StartURL != "" {
		if err := e.page.Navigate(ctx, e.cfg.StartURL); err != nil {
			summary.Failures = append(summary.Failures, fmt.Sprintf("navigate: %v", err))
			return summary, fmt.Errorf("failed to open %s: %w", e.cfg.StartURL, err)
		}
	}

	for pageNum := 1; pageNum <= maxPages; pageNum++ {
		if ctx.Err() != nil {
			summary.Failures = append(summary.Failures, fmt.Sprintf("page %d: %v", pageNum, ctx.Err()))
			break
		}
		logger := e.logger.With(zap.Int("page", pageNum))

		ok, err := e.ix.WaitPresent(ctx, e.container, e.cfg.ContainerTimeout)
		if err != nil || !ok {
			summary.Failures = append(summary.Failures, fmt.Sprintf("page %d: listing container not found", pageNum))
			break
		}
		summary.PagesVisited++

		if err := e.h.Sleep(ctx, e.h.Between(e.cfg.JitterMin, e.cfg.JitterMax)); err != nil {
			summary.Failures = append(summary.Failures, fmt.Sprintf("page %d: %v", pageNum, err))
			break
		}

		html, batch, err := e.extract(ctx, pageNum)
		if err != nil {
			summary.Failures = append(summary.Failures, fmt.Sprintf("page %d: extraction failed: %v", pageNum, err))
			if errors.Is(err, browser.ErrDriverLost) || ctx.Err() != nil {
				break
			}
			logger.Warn("Page skipped after extraction retries.", zap.Error(err))
			// Whatever rendered is the baseline for the next page's change check.
			if html, err = e.page.HTML(ctx, e.container[0]); errors.Is(err, browser.ErrDriverLost) {
				break
			}
		} else {
			added := coll.merge(batch)
			logger.Info("Page harvested.",
				zap.Int("tiles", len(batch)),
				zap.Int("new", added),
				zap.Int("missing_id", coll.missing),
				zap.Int("total", len(coll.records)))

			if err := sink.Save(ctx, coll.records); err != nil {
				logger.Error("Failed to persist records.", zap.Error(err))
				summary.Failures = append(summary.Failures, fmt.Sprintf("page %d: save failed: %v", pageNum, err))
			}
		}

		if pageNum == maxPages {
			break
		}
		if err := e.advance(ctx, html); err != nil {
			logger.Warn("Pagination abandoned.", zap.Error(err))
			summary.Failures = append(summary.Failures, fmt.Sprintf("page %d: pagination abandoned: %v", pageNum, err))
			break
		}
	}
	return summary, nil
}

// extract reads the container and parses it, retrying with exponential backoff.
func (e *Engine) extract(ctx context.Context, pageNum int) (string, []ListingRecord, error) {
	tries := e.cfg.ExtractRetries
	if tries <= 0 {
		tries = 1
	}
	var lastErr error
	for attempt := 1; attempt <= tries; attempt++ {
		html, err := e.page.HTML(ctx, e.container[0])
		if err == nil {
			var batch []ListingRecord
			batch, err = e.extractor.Extract(html, pageNum, e.now().UTC())
			if err == nil {
				return html, batch, nil
			}
		}
		if errors.Is(err, browser.ErrDriverLost) || ctx.Err() != nil {
			return "", nil, err
		}
		lastErr = err
		if attempt < tries {
			wait := humanoid.Backoff(e.cfg.BackoffBase, attempt)
			e.logger.Debug("Extraction failed; retrying.", zap.Int("attempt", attempt), zap.Duration("backoff", wait), zap.Error(err))
			if err := e.h.Sleep(ctx, wait); err != nil {
				return "", nil, err
			}
		}
	}
	return "", nil, lastErr
}

// advance clicks the load-more control, retrying with backoff, then waits for
// the container to render something new.
func (e *Engine) advance(ctx context.Context, previous string) error {
	tries := e.cfg.AdvanceRetries
	if tries <= 0 {
		tries = 1
	}
	var lastErr error
	for attempt := 1; attempt <= tries; attempt++ {
		lastErr = e.clickLoadMore(ctx)
		if lastErr == nil {
			break
		}
		if errors.Is(lastErr, browser.ErrDriverLost) || ctx.Err() != nil {
			return lastErr
		}
		if attempt < tries {
			if err := e.h.Sleep(ctx, humanoid.Backoff(e.cfg.BackoffBase, attempt)); err != nil {
				return err
			}
		}
	}
	if lastErr != nil {
		return fmt.Errorf("load more failed after %d attempts: %w", tries, lastErr)
	}
	return e.waitForNewContent(ctx, previous)
}

func (e *Engine) clickLoadMore(ctx context.Context) error {
	el, err := e.ix.Locate(ctx, LoadMoreChain, e.cfg.ContainerTimeout/4, interact.Require{Enabled: true})
	if err != nil {
		return err
	}
	label := strings.ToLower(el.State.Text)
	genuine := false
	for _, want := range loadMoreLabels {
		if strings.Contains(label, want) {
			genuine = true
			break
		}
	}
	if !genuine {
		return fmt.Errorf("control %s reads %q, not a load-more label", el.Selector, el.State.Text)
	}
	if err := e.h.Pause(ctx); err != nil {
		return err
	}
	return e.page.Click(ctx, el.Ref())
}

func (e *Engine) waitForNewContent(ctx context.Context, previous string) error {
	deadline := time.Now().Add(e.cfg.ContainerTimeout)
	poll := e.h.Config().ActionDelayMax
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	for {
		html, err := e.page.HTML(ctx, e.container[0])
		if err == nil && html != previous {
			return nil
		}
		if err != nil && (errors.Is(err, browser.ErrDriverLost) || ctx.Err() != nil) {
			return err
		}
		if time.Now().Add(poll).After(deadline) {
			return errors.New("no new listings rendered after load more")
		}
		if err := e.h.Sleep(ctx, poll); err != nil {
			return err
		}
	}
}
