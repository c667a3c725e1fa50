package harness

import (
	"github.com/roach88/stocktake/internal/model"
	"github.com/roach88/stocktake/internal/platform/memplatform"
)

// StepRecord is the outcome of one step.
type StepRecord struct {
	Index int    `json:"index"`
	Step  string `json:"step"`
	// Outcome is "ok ..." or "error <CODE>".
	Outcome string `json:"outcome"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step behaved as expected and every
	// assertion held.
	Pass bool `json:"pass"`

	Steps []StepRecord `json:"steps"`

	// Errors contains validation error messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Final state, captured after the last step.
	Stock   map[string]int     `json:"stock"`
	Lines   []model.Line       `json:"lines"`
	Groups  []model.Group      `json:"groups"`
	History []model.AuditEntry `json:"history"`
	Calls   []memplatform.Call `json:"calls"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Steps:  []StepRecord{},
		Errors: []string{},
		Stock:  make(map[string]int),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddStep records a step outcome.
func (r *Result) AddStep(step, outcome string) {
	r.Steps = append(r.Steps, StepRecord{Index: len(r.Steps) + 1, Step: step, Outcome: outcome})
}
