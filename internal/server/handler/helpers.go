package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
}

// marketView is the wire shape of a market.
type marketView struct {
	ID                   string            `json:"id"`
	Title                string            `json:"title"`
	Description          string            `json:"description,omitempty"`
	Prompt               string            `json:"prompt"`
	CloseTime            time.Time         `json:"close_time"`
	Outcomes             [2]string         `json:"outcomes"`
	InitialProbability   float64           `json:"initial_probability"`
	Validation           domain.Validation `json:"validation"`
	Status               string            `json:"status"`
	Outcome              string            `json:"outcome,omitempty"`
	OutcomeCode          int               `json:"outcome_code"`
	ResolvedAt           *time.Time        `json:"resolved_at,omitempty"`
	ResolutionConfidence float64           `json:"resolution_confidence,omitempty"`
	BlockchainDeployed   bool              `json:"blockchain_deployed"`
	TxHash               string            `json:"tx_hash,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

func toMarketView(m domain.Market) marketView {
	return marketView{
		ID:                   m.ID,
		Title:                m.Title,
		Description:          m.Description,
		Prompt:               m.Prompt,
		CloseTime:            m.CloseTime,
		Outcomes:             m.Outcomes,
		InitialProbability:   m.InitialProbability,
		Validation:           m.Validation,
		Status:               string(m.Status),
		Outcome:              string(m.Outcome),
		OutcomeCode:          m.OutcomeCode(),
		ResolvedAt:           m.ResolvedAt,
		ResolutionConfidence: m.ResolutionConfidence,
		BlockchainDeployed:   m.BlockchainDeployed,
		TxHash:               m.TxHash,
		CreatedAt:            m.CreatedAt,
		UpdatedAt:            m.UpdatedAt,
	}
}

// resolutionView is the wire shape of a resolution.
type resolutionView struct {
	MarketID        string    `json:"market_id"`
	Outcome         string    `json:"outcome"`
	Confidence      float64   `json:"confidence"`
	Reasoning       string    `json:"reasoning"`
	EvidenceSources []string  `json:"evidence_sources"`
	ResolvedAt      time.Time `json:"resolved_at"`
	AutoExpired     bool      `json:"auto_expired"`
}

func toResolutionView(r domain.Resolution) resolutionView {
	sources := r.EvidenceSources
	if sources == nil {
		sources = []string{}
	}
	return resolutionView{
		MarketID:        r.MarketID,
		Outcome:         string(r.Outcome),
		Confidence:      r.Confidence,
		Reasoning:       r.Reasoning,
		EvidenceSources: sources,
		ResolvedAt:      r.ResolvedAt,
		AutoExpired:     r.AutoExpired,
	}
}
