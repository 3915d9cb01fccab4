package domain

import "time"

// Evidence is one ranked source snippet about a market's proposition.
type Evidence struct {
	Title     string     `json:"title"`
	URL       string     `json:"url"`
	Snippet   string     `json:"snippet"`
	Source    string     `json:"source,omitempty"`
	Relevance float64    `json:"relevance"`
	Date      *time.Time `json:"date,omitempty"`
}

// Classification is the outcome oracle's verdict over gathered evidence.
type Classification struct {
	Outcome      Outcome  `json:"outcome"`
	Confidence   float64  `json:"confidence"`
	Reasoning    string   `json:"reasoning"`
	CitedSources []string `json:"evidence_sources"`
}

// Insufficient builds the conservative fallback verdict.
func Insufficient(reason string) Classification {
	return Classification{Outcome: OutcomeInsufficient, Reasoning: reason}
}

// EvidenceBundle is what gets archived for every settled market.
type EvidenceBundle struct {
	Market         Market          `json:"market"`
	Resolution     Resolution      `json:"resolution"`
	Evidence       []Evidence      `json:"evidence,omitempty"`
	Classification *Classification `json:"classification,omitempty"`
	Scraped        map[string]int  `json:"scraped_chars,omitempty"`
}
