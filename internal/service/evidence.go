package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// EvidenceConfig tunes how much evidence is gathered and how sure the
// oracle must be before a market settles.
type EvidenceConfig struct {
	MaxAge         time.Duration
	MinConfidence  float64
	MaxResults     int
	ScrapeTopN     int
	DefaultSources []string
}

// PageScraper fetches evidence pages. *scraper.Scraper satisfies it.
type PageScraper interface {
	ScrapeAll(ctx context.Context, urls []string) map[string]string
}

const evidenceSystemPrompt = `You search recent news coverage to settle binary prediction markets.
Only report items published by the allowed sources. Answer with exactly one JSON object:
  {"results": [{"title": string, "url": string, "snippet": string, "source": string,
                "relevance": number 0..1, "date": "YYYY-MM-DD" or RFC3339}]}
Omit items whose publication date you do not know.`

const classifySystemPrompt = `You settle binary prediction markets from evidence.
Answer with exactly one JSON object:
  {"outcome": "YES" | "NO" | "INSUFFICIENT_EVIDENCE", "confidence": number 0..1,
   "reasoning": string, "evidence_sources": [urls or titles you relied on]}
Prefer INSUFFICIENT_EVIDENCE over a guess. Ignore undated or stale material.`

type evidenceReply struct {
	Results []struct {
		Title     string  `json:"title"`
		URL       string  `json:"url"`
		Snippet   string  `json:"snippet"`
		Source    string  `json:"source"`
		Relevance float64 `json:"relevance"`
		Date      string  `json:"date"`
	} `json:"results"`
}

type classifyReply struct {
	Outcome         string   `json:"outcome"`
	Confidence      *float64 `json:"confidence"`
	Reasoning       string   `json:"reasoning"`
	EvidenceSources []string `json:"evidence_sources"`
}

// EvidenceAdapter gathers dated evidence from a market's reliable sources
// and asks the oracle for a conservative verdict.
type EvidenceAdapter struct {
	oracle  Completer
	scraper PageScraper
	cfg     EvidenceConfig
	logger  *slog.Logger
}

// NewEvidenceAdapter creates an EvidenceAdapter.
func NewEvidenceAdapter(oc Completer, sc PageScraper, cfg EvidenceConfig, logger *slog.Logger) *EvidenceAdapter {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 30 * 24 * time.Hour
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.7
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 10
	}
	if cfg.ScrapeTopN < 0 {
		cfg.ScrapeTopN = 0
	}
	return &EvidenceAdapter{
		oracle:  oc,
		scraper: sc,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "evidence")),
	}
}

// Sources returns the sources evidence for m must come from.
func (a *EvidenceAdapter) Sources(m domain.Market) []string {
	if len(m.Validation.ReliableSources) > 0 {
		return m.Validation.ReliableSources
	}
	return a.cfg.DefaultSources
}

// GatherEvidence asks the oracle for coverage of m and keeps only items that
// come from a declared source and carry a usable date. Results are ranked by
// relevance, then recency.
func (a *EvidenceAdapter) GatherEvidence(ctx context.Context, m domain.Market, now time.Time) ([]domain.Evidence, error) {
	sources := a.Sources(m)
	user := fmt.Sprintf("Today is %s.\nMarket: %s\nDetails: %s\nAllowed sources: %s\nReturn at most %d results.",
		now.UTC().Format(time.DateOnly), m.Title, m.Description, strings.Join(sources, ", "), a.cfg.MaxResults)

	var reply evidenceReply
	if err := a.oracle.CompleteJSON(ctx, evidenceSystemPrompt, user, &reply); err != nil {
		return nil, fmt.Errorf("evidence: search %s: %w", m.ID, err)
	}

	out := make([]domain.Evidence, 0, len(reply.Results))
	for _, r := range reply.Results {
		ev := domain.Evidence{
			Title:     strings.TrimSpace(r.Title),
			URL:       strings.TrimSpace(r.URL),
			Snippet:   strings.TrimSpace(r.Snippet),
			Source:    strings.TrimSpace(r.Source),
			Relevance: clamp01(r.Relevance),
		}
		if d, err := ParseResolutionDate(r.Date); err == nil {
			ev.Date = &d
		}
		if reason := a.reject(ev, sources, m, now); reason != "" {
			a.logger.DebugContext(ctx, "evidence: dropped item",
				slog.String("market_id", m.ID),
				slog.String("url", ev.URL),
				slog.String("reason", reason),
			)
			continue
		}
		out = append(out, ev)
	}

	RankEvidence(out)
	if len(out) > a.cfg.MaxResults {
		out = out[:a.cfg.MaxResults]
	}
	return out, nil
}

func (a *EvidenceAdapter) reject(ev domain.Evidence, sources []string, m domain.Market, now time.Time) string {
	if ev.URL == "" && ev.Title == "" {
		return "empty"
	}
	if !fromDeclaredSource(ev, sources) {
		return "undeclared source"
	}
	if ev.Date == nil {
		return "undated"
	}
	day := *ev.Date
	switch {
	case day.After(truncateDay(now)):
		return "dated in the future"
	case now.Sub(day) > a.cfg.MaxAge:
		return "stale"
	case !m.CreatedAt.IsZero() && day.Before(truncateDay(m.CreatedAt)):
		return "predates market"
	}
	return ""
}

// RankEvidence sorts by relevance descending, newest first on ties.
func RankEvidence(items []domain.Evidence) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Relevance != items[j].Relevance {
			return items[i].Relevance > items[j].Relevance
		}
		di, dj := items[i].Date, items[j].Date
		switch {
		case di == nil:
			return false
		case dj == nil:
			return true
		}
		return di.After(*dj)
	})
}

// fromDeclaredSource matches an item against source names ("Reuters") or
// domains ("apnews.com") by publisher name or URL host.
func fromDeclaredSource(ev domain.Evidence, sources []string) bool {
	host := ""
	if u, err := url.Parse(ev.URL); err == nil {
		host = strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	}
	name := strings.ToLower(ev.Source)
	for _, s := range sources {
		declared := strings.ToLower(strings.TrimSpace(s))
		if declared == "" {
			continue
		}
		if name != "" && (name == declared || containsWord(name, declared)) {
			return true
		}
		if host == "" {
			continue
		}
		if strings.Contains(declared, ".") {
			if host == declared || strings.HasSuffix(host, "."+declared) {
				return true
			}
			continue
		}
		compact := strings.ReplaceAll(declared, " ", "")
		for _, label := range strings.Split(host, ".") {
			if label == compact || (len(compact) >= 4 && strings.HasPrefix(label, compact)) {
				return true
			}
		}
	}
	return false
}

func containsWord(haystack, word string) bool {
	if strings.Contains(word, " ") {
		return strings.Contains(haystack, word)
	}
	for _, f := range strings.FieldsFunc(haystack, func(r rune) bool {
		return r == ' ' || r == '-' || r == ',' || r == '.'
	}) {
		if f == word {
			return true
		}
	}
	return false
}

// ScrapeTop fetches the pages behind the highest ranked evidence.
func (a *EvidenceAdapter) ScrapeTop(ctx context.Context, evidence []domain.Evidence) map[string]string {
	if a.scraper == nil || a.cfg.ScrapeTopN == 0 {
		return nil
	}
	urls := make([]string, 0, a.cfg.ScrapeTopN)
	for _, ev := range evidence {
		if len(urls) == a.cfg.ScrapeTopN {
			break
		}
		if strings.HasPrefix(ev.URL, "http://") || strings.HasPrefix(ev.URL, "https://") {
			urls = append(urls, ev.URL)
		}
	}
	if len(urls) == 0 {
		return nil
	}
	return a.scraper.ScrapeAll(ctx, urls)
}

// Classify asks the oracle to settle m. Any doubt, including transport
// failures, yields INSUFFICIENT_EVIDENCE.
func (a *EvidenceAdapter) Classify(ctx context.Context, m domain.Market, evidence []domain.Evidence, pages map[string]string) domain.Classification {
	if len(evidence) == 0 && len(pages) == 0 {
		return domain.Insufficient("no usable evidence")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Market: %s\nDetails: %s\nClose time: %s\n\nEvidence:\n",
		m.Title, m.Description, m.CloseTime.UTC().Format(time.RFC3339))
	for i, ev := range evidence {
		date := "undated"
		if ev.Date != nil {
			date = ev.Date.Format(time.DateOnly)
		}
		fmt.Fprintf(&b, "[%d] %s (%s, %s) %s\n%s\n", i+1, ev.Title, ev.Source, date, ev.URL, ev.Snippet)
		if text, ok := pages[ev.URL]; ok {
			fmt.Fprintf(&b, "Page text: %s\n", text)
		}
	}

	var reply classifyReply
	if err := a.oracle.CompleteJSON(ctx, classifySystemPrompt, b.String(), &reply); err != nil {
		a.logger.WarnContext(ctx, "evidence: classify failed",
			slog.String("market_id", m.ID),
			slog.String("error", err.Error()),
		)
		return domain.Insufficient(describeOracleFailure(err))
	}
	return a.judge(reply)
}

func (a *EvidenceAdapter) judge(reply classifyReply) domain.Classification {
	outcome := domain.Outcome(strings.ToUpper(strings.TrimSpace(reply.Outcome)))
	if !outcome.Decisive() {
		c := domain.Insufficient(reply.Reasoning)
		if reply.Confidence != nil {
			c.Confidence = clamp01(*reply.Confidence)
		}
		return c
	}
	if reply.Confidence == nil {
		return domain.Insufficient("oracle response malformed: missing confidence")
	}
	confidence := clamp01(*reply.Confidence)
	if confidence < a.cfg.MinConfidence {
		c := domain.Insufficient(fmt.Sprintf("confidence %.2f below threshold %.2f: %s", confidence, a.cfg.MinConfidence, reply.Reasoning))
		c.Confidence = confidence
		return c
	}
	cited := dedupeSources(reply.EvidenceSources)
	if len(cited) == 0 {
		c := domain.Insufficient("no cited sources: " + reply.Reasoning)
		c.Confidence = confidence
		return c
	}
	return domain.Classification{
		Outcome:      outcome,
		Confidence:   confidence,
		Reasoning:    reply.Reasoning,
		CitedSources: cited,
	}
}
