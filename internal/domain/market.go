package domain

import "time"

// MarketStatus represents the lifecycle state of a market. The only legal
// transitions are active->resolved and active->expired.
type MarketStatus string

const (
	MarketStatusActive   MarketStatus = "active"
	MarketStatusResolved MarketStatus = "resolved"
	MarketStatusExpired  MarketStatus = "expired"
)

// Valid reports whether s is a known status.
func (s MarketStatus) Valid() bool {
	switch s {
	case MarketStatusActive, MarketStatusResolved, MarketStatusExpired:
		return true
	}
	return false
}

// Outcome is the settled answer of a market or the verdict of a resolution
// attempt. Markets only ever carry YES or NO; resolutions may also record
// EXPIRED or INSUFFICIENT_EVIDENCE.
type Outcome string

const (
	OutcomeNone         Outcome = ""
	OutcomeYes          Outcome = "YES"
	OutcomeNo           Outcome = "NO"
	OutcomeExpired      Outcome = "EXPIRED"
	OutcomeInsufficient Outcome = "INSUFFICIENT_EVIDENCE"
)

// Decisive reports whether o settles a market.
func (o Outcome) Decisive() bool {
	return o == OutcomeYes || o == OutcomeNo
}

// Outcome codes served to the ledger's attestation process.
const (
	OutcomeCodeNo         = 0
	OutcomeCodeYes        = 1
	OutcomeCodeUnresolved = 2
)

// Validation is the snapshot of the admission decision taken when the market
// was proposed.
type Validation struct {
	IsValid         bool      `json:"is_valid"`
	Confidence      float64   `json:"confidence"`
	Reasoning       string    `json:"reasoning"`
	YesProbability  float64   `json:"yes_probability"`
	NoProbability   float64   `json:"no_probability"`
	ReliableSources []string  `json:"reliable_sources"`
	ResolutionDate  string    `json:"resolution_date"`
	AutoExpire      bool      `json:"auto_expire"`
	EventOccurred   bool      `json:"event_occurred"`
	Title           string    `json:"title,omitempty"`
	Description     string    `json:"description,omitempty"`
	ValidatedAt     time.Time `json:"validated_at"`
	// OracleFailed marks a fail-closed verdict produced because the oracle
	// could not be reached or answered unusably.
	OracleFailed bool `json:"oracle_failed,omitempty"`
}

// Market is a binary prediction market.
type Market struct {
	ID                   string
	Title                string
	Description          string
	Prompt               string
	CloseTime            time.Time
	Outcomes             [2]string
	InitialProbability   float64
	Validation           Validation
	Status               MarketStatus
	Outcome              Outcome
	ResolvedAt           *time.Time
	ResolutionConfidence float64
	BlockchainDeployed   bool
	TxHash               string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// DefaultOutcomes is the fixed outcome pair of every market.
var DefaultOutcomes = [2]string{string(OutcomeYes), string(OutcomeNo)}

// OutcomeCode maps the market onto the 0/1/2 convention consumed by the
// ledger: 1 for YES, 0 for NO, 2 for anything not settled by evidence.
func (m Market) OutcomeCode() int {
	if m.Status != MarketStatusResolved {
		return OutcomeCodeUnresolved
	}
	switch m.Outcome {
	case OutcomeYes:
		return OutcomeCodeYes
	case OutcomeNo:
		return OutcomeCodeNo
	default:
		return OutcomeCodeUnresolved
	}
}

// Resolution records how a market left the active state.
type Resolution struct {
	MarketID        string
	Outcome         Outcome
	Confidence      float64
	Reasoning       string
	EvidenceSources []string
	ResolvedAt      time.Time
	AutoExpired     bool
}
