// Package routines implements the task-type-specific scrape routines that
// run against a pooled browser handle. Content heuristics are deliberately
// thin; downstream extraction and analysis live outside this engine.
package routines

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/OpalDecisionSciences/restaurant-scraper/internal/scraper"
)

// Config tunes routine behavior.
type Config struct {
	// PageLoadTimeout bounds one navigation inside the task's outer budget.
	PageLoadTimeout time.Duration
	// MaxImages caps how many image URLs the images routine collects.
	MaxImages int
}

func (c *Config) applyDefaults() {
	if c.PageLoadTimeout <= 0 {
		c.PageLoadTimeout = 30 * time.Second
	}
	if c.MaxImages <= 0 {
		c.MaxImages = 15
	}
}

// NewRegistry assembles the routine table the dispatcher consults. Adding a
// task type means adding an entry here, not editing the dispatcher.
func NewRegistry(cfg Config, logger *zap.Logger) scraper.Registry {
	cfg.applyDefaults()
	return scraper.Registry{
		scraper.TaskTypeText:          &textRoutine{cfg: cfg, logger: logger},
		scraper.TaskTypeImages:        &imagesRoutine{cfg: cfg, logger: logger},
		scraper.TaskTypeComprehensive: &comprehensiveRoutine{cfg: cfg, logger: logger},
	}
}

type textRoutine struct {
	cfg    Config
	logger *zap.Logger
}

func (r *textRoutine) Scrape(ctx context.Context, task scraper.ScrapingTask, handle scraper.BrowserHandle) (scraper.ScrapeResult, error) {
	start := time.Now()
	doc, err := renderDocument(ctx, handle, task.URL, r.cfg.PageLoadTimeout)
	if err != nil {
		return scraper.ScrapeResult{}, err
	}
	return scraper.ScrapeResult{
		TaskID:      task.ID,
		URL:         task.URL,
		Title:       strings.TrimSpace(doc.Find("title").First().Text()),
		Content:     extractText(doc),
		FetchedAt:   start,
		Duration:    time.Since(start),
		UsedBrowser: true,
	}, nil
}

type imagesRoutine struct {
	cfg    Config
	logger *zap.Logger
}

func (r *imagesRoutine) Scrape(ctx context.Context, task scraper.ScrapingTask, handle scraper.BrowserHandle) (scraper.ScrapeResult, error) {
	start := time.Now()
	doc, err := renderDocument(ctx, handle, task.URL, r.cfg.PageLoadTimeout)
	if err != nil {
		return scraper.ScrapeResult{}, err
	}
	images := extractImages(doc, task.URL, r.cfg.MaxImages)
	r.logger.Debug("image scrape finished",
		zap.String("task_id", task.ID),
		zap.String("restaurant", task.RestaurantName),
		zap.Int("images", len(images)))
	return scraper.ScrapeResult{
		TaskID:      task.ID,
		URL:         task.URL,
		ImageURLs:   images,
		FetchedAt:   start,
		Duration:    time.Since(start),
		UsedBrowser: true,
	}, nil
}

type comprehensiveRoutine struct {
	cfg    Config
	logger *zap.Logger
}

func (r *comprehensiveRoutine) Scrape(ctx context.Context, task scraper.ScrapingTask, handle scraper.BrowserHandle) (scraper.ScrapeResult, error) {
	start := time.Now()
	doc, err := renderDocument(ctx, handle, task.URL, r.cfg.PageLoadTimeout)
	if err != nil {
		return scraper.ScrapeResult{}, err
	}
	return scraper.ScrapeResult{
		TaskID:      task.ID,
		URL:         task.URL,
		Title:       strings.TrimSpace(doc.Find("title").First().Text()),
		Content:     extractText(doc),
		ImageURLs:   extractImages(doc, task.URL, r.cfg.MaxImages),
		FetchedAt:   start,
		Duration:    time.Since(start),
		UsedBrowser: true,
	}, nil
}

// renderDocument navigates a fresh tab on the pooled browser and parses the
// rendered DOM. The tab is canceled when the task context finishes so an
// abandoned task cannot keep the browser busy forever.
func renderDocument(ctx context.Context, handle scraper.BrowserHandle, rawURL string, timeout time.Duration) (*goquery.Document, error) {
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return nil, scraper.Fatal(fmt.Errorf("invalid task url %q: %w", rawURL, err))
	}

	tabCtx, cancelTab := chromedp.NewContext(handle.Browser())
	defer cancelTab()
	runCtx, cancelRun := context.WithTimeout(tabCtx, timeout)
	defer cancelRun()
	stop := forwardCancel(ctx, cancelRun)
	defer stop()

	var html string
	err := chromedp.Run(runCtx,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", rawURL, err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse rendered dom: %w", err)
	}
	return doc, nil
}

// forwardCancel propagates outer-context cancellation into the chromedp run.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// extractText flattens visible text, dropping script/style noise.
func extractText(doc *goquery.Document) string {
	doc.Find("script, style, noscript").Remove()
	var parts []string
	doc.Find("body").Each(func(_ int, sel *goquery.Selection) {
		text := strings.Join(strings.Fields(sel.Text()), " ")
		if text != "" {
			parts = append(parts, text)
		}
	})
	return strings.Join(parts, "\n")
}

// extractImages collects up to max absolute image URLs from the document.
func extractImages(doc *goquery.Document, baseURL string, max int) []string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}
	seen := make(map[string]struct{})
	var images []string
	doc.Find("img[src]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		src, ok := sel.Attr("src")
		if !ok || src == "" || strings.HasPrefix(src, "data:") {
			return true
		}
		ref, err := url.Parse(src)
		if err != nil {
			return true
		}
		abs := base.ResolveReference(ref).String()
		if _, dup := seen[abs]; dup {
			return true
		}
		seen[abs] = struct{}{}
		images = append(images, abs)
		return len(images) < max
	})
	return images
}
