package domain

import (
	"errors"
	"fmt"
)

// SagaState is a step of the market creation saga.
type SagaState string

const (
	SagaReceived     SagaState = "RECEIVED"
	SagaValidating   SagaState = "VALIDATING"
	SagaRejected     SagaState = "REJECTED"
	SagaValidated    SagaState = "VALIDATED"
	SagaPersisting   SagaState = "PERSISTING"
	SagaPersisted    SagaState = "PERSISTED"
	SagaDeploying    SagaState = "DEPLOYING"
	SagaDeployed     SagaState = "DEPLOYED"
	SagaComplete     SagaState = "COMPLETE"
	SagaDeployFailed SagaState = "DEPLOY_FAILED"
	SagaCompensating SagaState = "COMPENSATING"
	SagaFailed       SagaState = "FAILED"
)

// Terminal reports whether s ends the saga.
func (s SagaState) Terminal() bool {
	return s == SagaComplete || s == SagaRejected || s == SagaFailed
}

var sagaNext = map[SagaState][]SagaState{
	SagaReceived:     {SagaValidating, SagaComplete, SagaFailed},
	SagaValidating:   {SagaRejected, SagaValidated},
	SagaValidated:    {SagaPersisting},
	SagaPersisting:   {SagaPersisted, SagaFailed},
	SagaPersisted:    {SagaDeploying},
	SagaDeploying:    {SagaDeployed, SagaDeployFailed},
	SagaDeployed:     {SagaComplete, SagaFailed},
	SagaDeployFailed: {SagaCompensating},
	SagaCompensating: {SagaFailed},
}

// CanTransition reports whether the saga may move from s to next.
func (s SagaState) CanTransition(next SagaState) bool {
	for _, n := range sagaNext[s] {
		if n == next {
			return true
		}
	}
	return false
}

// SagaErrorKind classifies a saga failure.
type SagaErrorKind string

const (
	KindValidationRejected SagaErrorKind = "validation_rejected"
	KindOracleUnavailable  SagaErrorKind = "oracle_unavailable"
	KindPersistence        SagaErrorKind = "persistence"
	KindDeployment         SagaErrorKind = "deployment"
	KindCompensation       SagaErrorKind = "compensation"
	KindInFlight           SagaErrorKind = "in_flight"
)

// SagaError carries the stage a saga reached when it failed and why.
type SagaError struct {
	Kind  SagaErrorKind
	Stage SagaState
	Cause error
}

func (e *SagaError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("saga %s at %s", e.Kind, e.Stage)
	}
	return fmt.Sprintf("saga %s at %s: %v", e.Kind, e.Stage, e.Cause)
}

func (e *SagaError) Unwrap() error { return e.Cause }

// IsSagaKind reports whether err is a SagaError of the given kind.
func IsSagaKind(err error, kind SagaErrorKind) bool {
	var se *SagaError
	return errors.As(err, &se) && se.Kind == kind
}

// SagaResult is the structured outcome of one creation request.
type SagaResult struct {
	CorrelationID string
	MarketID      string
	// State is the terminal state. Stage is the last non-terminal state
	// reached before it.
	State    SagaState
	Stage    SagaState
	Market   *Market
	Reason   string
	Replayed bool
	Err      error
}

// OK reports whether the saga produced (or replayed) a deployed market.
func (r SagaResult) OK() bool {
	return r.State == SagaComplete
}
