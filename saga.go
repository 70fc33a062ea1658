package orderflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SagaID represents a unique identifier for a saga execution.
type SagaID struct {
	UUID uuid.UUID
}

// NewSagaID generates a fresh SagaID.
func NewSagaID() SagaID {
	return SagaID{UUID: uuid.New()}
}

// ParseSagaID parses the string form produced by String.
func ParseSagaID(s string) (SagaID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return SagaID{}, fmt.Errorf("invalid saga id %q: %w", s, err)
	}
	return SagaID{UUID: id}, nil
}

// String returns the string representation of the SagaID.
func (s SagaID) String() string {
	return s.UUID.String()
}

// MarshalJSON implements the json.Marshaler interface for SagaID.
func (s SagaID) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.UUID.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for SagaID.
func (s *SagaID) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	id, err := ParseSagaID(str)
	if err != nil {
		return err
	}
	*s = id
	return nil
}

// SagaStatus represents the overall status of a saga instance.
type SagaStatus string

const (
	// StatusPending means the saga is persisted but no step has started.
	StatusPending SagaStatus = "pending"
	// StatusInProgress means forward steps are executing.
	StatusInProgress SagaStatus = "in_progress"
	// StatusCompleted means every forward step succeeded.
	StatusCompleted SagaStatus = "completed"
	// StatusCompensating means a step failed and compensations are running
	// in reverse order.
	StatusCompensating SagaStatus = "compensating"
	// StatusFailed means the saga failed and all compensations finished.
	StatusFailed SagaStatus = "failed"
	// StatusNeedsAttention means a compensation itself failed after retries.
	// Sagas parked here are never resumed automatically; they are surfaced
	// through Orchestrator.Unresolved for operator intervention.
	StatusNeedsAttention SagaStatus = "needs_attention"
)

// Terminal reports whether no worker should advance the saga any further.
func (s SagaStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusNeedsAttention:
		return true
	}
	return false
}

// StepStatus represents the durable status of one saga step.
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepStarted     StepStatus = "started"
	StepSucceeded   StepStatus = "succeeded"
	StepFailed      StepStatus = "failed"
	StepCompensated StepStatus = "compensated"
)

// next returns the new status for a step after applying the given
// transition, or an error if the transition is illegal.
//
// started -> started is allowed: a step that was Started but never confirmed
// is re-invoked during recovery, and the re-invocation records Started again.
func (s StepStatus) next(to StepStatus) (StepStatus, error) {
	switch s {
	case StepPending:
		if to == StepStarted {
			return to, nil
		}
	case StepStarted:
		switch to {
		case StepStarted, StepSucceeded, StepFailed:
			return to, nil
		}
	case StepSucceeded:
		if to == StepCompensated {
			return to, nil
		}
	case StepCompensated:
		// Compensations are idempotent; recording Compensated twice is
		// harmless during recovery.
		if to == StepCompensated {
			return to, nil
		}
	}

	return s, fmt.Errorf("illegal step transition %s -> %s", s, to)
}

// StepRecord is one entry in a saga's durable step log.
type StepRecord struct {
	Name        StepName        `json:"name"`
	Status      StepStatus      `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	StartedAt   time.Time       `json:"started_at,omitempty"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
}

// SagaInstance is the durable record of one saga execution. It is owned
// exclusively by the orchestrator holding the saga's claim; steps receive it
// read-only through SagaContext and never write it back.
type SagaInstance struct {
	ID            SagaID       `json:"id"`
	Type          string       `json:"type"`
	CorrelationID string       `json:"correlation_id"`
	Status        SagaStatus   `json:"status"`
	Steps         []StepRecord `json:"steps"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	CompletedAt   time.Time    `json:"completed_at,omitempty"`
}

// NewSagaInstance creates a pending saga with one pending step record per
// plan entry, in execution order.
func NewSagaInstance(sagaType, correlationID string, order []StepName) *SagaInstance {
	now := time.Now().UTC()
	steps := make([]StepRecord, 0, len(order))
	for _, name := range order {
		steps = append(steps, StepRecord{Name: name, Status: StepPending})
	}
	return &SagaInstance{
		ID:            NewSagaID(),
		Type:          sagaType,
		CorrelationID: correlationID,
		Status:        StatusPending,
		Steps:         steps,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Step returns the record for the named step, or nil if the saga has no such
// step.
func (s *SagaInstance) Step(name StepName) *StepRecord {
	for i := range s.Steps {
		if s.Steps[i].Name == name {
			return &s.Steps[i]
		}
	}
	return nil
}

// SucceededSteps returns the names of all succeeded steps in execution
// order. Compensation walks this slice in reverse.
func (s *SagaInstance) SucceededSteps() []StepName {
	var out []StepName
	for i := range s.Steps {
		if s.Steps[i].Status == StepSucceeded {
			out = append(out, s.Steps[i].Name)
		}
	}
	return out
}

// Terminal reports whether the saga reached a terminal status.
func (s *SagaInstance) Terminal() bool {
	return s.Status.Terminal()
}

// applyStep validates and records a step transition on the in-memory
// instance. The caller persists the instance afterwards; a transition is
// only trusted once it is in the store.
func (s *SagaInstance) applyStep(name StepName, to StepStatus) (*StepRecord, error) {
	rec := s.Step(name)
	if rec == nil {
		return nil, fmt.Errorf("saga %s has no step named %q", s.ID, name)
	}

	next, err := rec.Status.next(to)
	if err != nil {
		return nil, fmt.Errorf("step %s: %w", name, err)
	}

	now := time.Now().UTC()
	rec.Status = next
	s.UpdatedAt = now

	switch to {
	case StepStarted:
		rec.Attempts++
		rec.StartedAt = now
	case StepSucceeded, StepFailed, StepCompensated:
		rec.CompletedAt = now
	}

	return rec, nil
}
