// Package scraper fetches evidence pages and reduces them to plain text.
package scraper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"
)

// Config bounds every fetch.
type Config struct {
	Timeout     time.Duration
	MaxChars    int
	MaxBytes    int64
	Concurrency int
	UserAgent   string
}

// Scraper downloads pages and strips markup.
type Scraper struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Scraper, filling zero config values with defaults.
func New(cfg Config, logger *slog.Logger) *Scraper {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = 20_000
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 2 << 20
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "marketforge/1.0"
	}
	return &Scraper{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With(slog.String("component", "scraper")),
	}
}

// Scrape returns the visible text of url, whitespace collapsed and capped at
// MaxChars runes.
func (s *Scraper) Scrape(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("scraper: create request: %w", err)
	}
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,text/plain;q=0.9,*/*;q=0.5")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("scraper: get %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("scraper: get %s: HTTP %d", url, resp.StatusCode)
	}

	body := io.LimitReader(resp.Body, s.cfg.MaxBytes)
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain") {
		raw, err := io.ReadAll(body)
		if err != nil {
			return "", fmt.Errorf("scraper: read %s: %w", url, err)
		}
		return capRunes(collapse(string(raw)), s.cfg.MaxChars), nil
	}
	return ExtractText(body, s.cfg.MaxChars), nil
}

// ScrapeAll fetches urls with bounded concurrency. Failed pages are logged
// and left out of the result; the map is keyed by url.
func (s *Scraper) ScrapeAll(ctx context.Context, urls []string) map[string]string {
	texts := make([]string, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, u := range urls {
		g.Go(func() error {
			text, err := s.Scrape(gctx, u)
			if err != nil {
				s.logger.Warn("scrape failed", slog.String("url", u), slog.String("error", err.Error()))
				return nil
			}
			texts[i] = text
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]string, len(urls))
	for i, u := range urls {
		if texts[i] != "" {
			out[u] = texts[i]
		}
	}
	return out
}

// ExtractText tokenizes HTML from r and returns its visible text. Script,
// style and similar non-content elements are dropped.
func ExtractText(r io.Reader, maxChars int) string {
	z := html.NewTokenizer(r)
	var (
		b       strings.Builder
		skip    int
		lastWS  = true
		written int
	)
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.TrimRightFunc(b.String(), unicode.IsSpace)
		case html.StartTagToken:
			name, _ := z.TagName()
			if skipped(string(name)) {
				skip++
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if skipped(string(name)) && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip > 0 {
				continue
			}
			// Token boundaries separate words.
			for _, r := range string(z.Text()) + " " {
				if unicode.IsSpace(r) {
					if lastWS {
						continue
					}
					r, lastWS = ' ', true
				} else {
					lastWS = false
				}
				if maxChars > 0 && written >= maxChars {
					return strings.TrimRightFunc(b.String(), unicode.IsSpace)
				}
				b.WriteRune(r)
				written++
			}
		}
	}
}

func skipped(tag string) bool {
	switch tag {
	case "script", "style", "noscript", "template", "svg", "head":
		return true
	}
	return false
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func capRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
