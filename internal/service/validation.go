package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketforge/internal/domain"
	"github.com/alanyoungcy/marketforge/internal/platform/oracle"
)

// MinReliableSources is the number of distinct sources a proposition must be
// checkable against.
const MinReliableSources = 3

// Completer is the oracle call shared by the validation and evidence
// adapters. *oracle.Client satisfies it.
type Completer interface {
	CompleteJSON(ctx context.Context, system, user string, out any) error
}

const validationSystemPrompt = `You review propositions for binary prediction markets.
Answer with exactly one JSON object and nothing else, using these keys:
  is_valid (bool), confidence (0..1), reasoning (string),
  yes_probability (0..1), no_probability (0..1),
  reliable_sources (array of publication names or domains that will report the outcome),
  resolution_date (YYYY-MM-DD), auto_expire (bool),
  event_occurred (bool, true if the event has already happened),
  title (short market question), description (one paragraph).
A valid proposition is unambiguous, resolves YES or NO on a specific future date,
and can be verified from public reporting.`

type validationReply struct {
	IsValid         *bool    `json:"is_valid"`
	Confidence      *float64 `json:"confidence"`
	Reasoning       *string  `json:"reasoning"`
	YesProbability  *float64 `json:"yes_probability"`
	NoProbability   *float64 `json:"no_probability"`
	ReliableSources []string `json:"reliable_sources"`
	ResolutionDate  *string  `json:"resolution_date"`
	AutoExpire      *bool    `json:"auto_expire"`
	EventOccurred   bool     `json:"event_occurred"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
}

func (r validationReply) missing() []string {
	var out []string
	check := func(name string, present bool) {
		if !present {
			out = append(out, name)
		}
	}
	check("is_valid", r.IsValid != nil)
	check("confidence", r.Confidence != nil)
	check("reasoning", r.Reasoning != nil)
	check("yes_probability", r.YesProbability != nil)
	check("no_probability", r.NoProbability != nil)
	check("reliable_sources", r.ReliableSources != nil)
	check("resolution_date", r.ResolutionDate != nil)
	check("auto_expire", r.AutoExpire != nil)
	return out
}

// Validator decides whether a proposition may become a market. Oracle
// answers are advisory; the admission rules always have the last word.
type Validator struct {
	oracle Completer
	logger *slog.Logger
}

// NewValidator creates a Validator.
func NewValidator(oc Completer, logger *slog.Logger) *Validator {
	return &Validator{oracle: oc, logger: logger.With(slog.String("component", "validator"))}
}

// Validate never returns an error: oracle failures come back as an invalid
// verdict with zero confidence.
func (v *Validator) Validate(ctx context.Context, proposition string, now time.Time) domain.Validation {
	now = now.UTC()
	var reply validationReply
	user := fmt.Sprintf("Today is %s.\nProposition: %s", now.Format(time.DateOnly), proposition)
	if err := v.oracle.CompleteJSON(ctx, validationSystemPrompt, user, &reply); err != nil {
		v.logger.WarnContext(ctx, "validator: oracle call failed", slog.String("error", err.Error()))
		return oracleFailure(describeOracleFailure(err), now)
	}
	if missing := reply.missing(); len(missing) > 0 {
		return oracleFailure("oracle response malformed: missing "+strings.Join(missing, ", "), now)
	}

	val := domain.Validation{
		IsValid:         *reply.IsValid,
		Confidence:      clamp01(*reply.Confidence),
		Reasoning:       strings.TrimSpace(*reply.Reasoning),
		ReliableSources: dedupeSources(reply.ReliableSources),
		ResolutionDate:  strings.TrimSpace(*reply.ResolutionDate),
		AutoExpire:      *reply.AutoExpire,
		EventOccurred:   reply.EventOccurred,
		Title:           strings.TrimSpace(reply.Title),
		Description:     strings.TrimSpace(reply.Description),
		ValidatedAt:     now,
	}
	val.YesProbability, val.NoProbability = NormalizeProbabilities(*reply.YesProbability, *reply.NoProbability)

	if reason := admissionFailure(val, now); reason != "" {
		return reject(val, reason)
	}
	if !val.IsValid {
		reason := val.Reasoning
		if reason == "" {
			reason = "proposition judged invalid"
		}
		return reject(val, reason)
	}
	if date, err := ParseResolutionDate(val.ResolutionDate); err == nil {
		val.ResolutionDate = date.Format(time.DateOnly)
	}
	return val
}

// admissionFailure applies the local rules in order and returns the first
// reason for rejection, or "".
func admissionFailure(val domain.Validation, now time.Time) string {
	if val.EventOccurred {
		return "event has already occurred"
	}
	date, err := ParseResolutionDate(val.ResolutionDate)
	if err != nil {
		return fmt.Sprintf("resolution date %q is not a valid date", val.ResolutionDate)
	}
	today := truncateDay(now)
	if !date.After(today) {
		return fmt.Sprintf("resolution date %s is not in the future", date.Format(time.DateOnly))
	}
	if len(val.ReliableSources) < MinReliableSources {
		return fmt.Sprintf("only %d reliable sources, need at least %d", len(val.ReliableSources), MinReliableSources)
	}
	return ""
}

func reject(val domain.Validation, reason string) domain.Validation {
	val.IsValid = false
	val.Reasoning = reason
	val.YesProbability, val.NoProbability = 0.5, 0.5
	return val
}

func failClosed(reason string, now time.Time) domain.Validation {
	return domain.Validation{
		IsValid:        false,
		Confidence:     0,
		Reasoning:      reason,
		YesProbability: 0.5,
		NoProbability:  0.5,
		ValidatedAt:    now,
	}
}

func oracleFailure(reason string, now time.Time) domain.Validation {
	val := failClosed(reason, now)
	val.OracleFailed = true
	return val
}

func describeOracleFailure(err error) string {
	var syntax *json.SyntaxError
	switch {
	case errors.Is(err, oracle.ErrMalformed), errors.As(err, &syntax):
		return "oracle response malformed: " + err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "oracle unavailable: timeout"
	default:
		return "oracle unavailable: " + err.Error()
	}
}

var dateLayouts = []string{
	time.DateOnly,
	time.RFC3339,
	"2006-01-02T15:04:05",
	time.DateTime,
	"2006/01/02",
}

// ParseResolutionDate accepts a date or timestamp and returns its UTC
// calendar day.
func ParseResolutionDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return truncateDay(t.UTC()), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// NormalizeProbabilities clamps both values to [0,1], rescales them to sum
// to one, rounds to six decimals and pushes the rounding error into yes.
func NormalizeProbabilities(yes, no float64) (float64, float64) {
	y := decimal.NewFromFloat(clamp01(yes))
	n := decimal.NewFromFloat(clamp01(no))
	sum := y.Add(n)
	if sum.IsZero() {
		return 0.5, 0.5
	}
	noF := n.Div(sum).Round(6).InexactFloat64()
	return 1 - noF, noF
}

func clamp01(f float64) float64 {
	switch {
	case math.IsNaN(f), f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// dedupeSources trims, drops blanks and removes case-insensitive
// duplicates, keeping first-seen order.
func dedupeSources(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		key := strings.ToLower(s)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}

