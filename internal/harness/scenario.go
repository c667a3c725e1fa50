package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/stocktake/internal/model"
	"github.com/roach88/stocktake/internal/platform"
	"github.com/roach88/stocktake/internal/platform/memplatform"
)

// Scenario is one reconciliation session replayed against the simulated
// platform.
type Scenario struct {
	// Name uniquely identifies this scenario. Golden files are named after it.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Platform is the initial state of the simulated platform.
	Platform PlatformSetup `yaml:"platform"`

	// Steps are executed in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state. Optional; the golden trace
	// covers what they do not.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// PlatformSetup seeds the simulated platform.
type PlatformSetup struct {
	Options memplatform.Options `yaml:"options,omitempty"`
	Items   []ItemSpec          `yaml:"items"`
	Plans   []PlanSpec          `yaml:"plans"`
	Stock   []StockSpec         `yaml:"stock,omitempty"`
}

// ItemSpec is one catalog item.
type ItemSpec struct {
	ID      string `yaml:"id"`
	Variant string `yaml:"variant,omitempty"`
	SKU     string `yaml:"sku,omitempty"`
	Barcode string `yaml:"barcode,omitempty"`
	Title   string `yaml:"title,omitempty"`
}

func (i ItemSpec) identity() model.ItemIdentity {
	return model.ItemIdentity{ItemID: i.ID, VariantID: i.Variant, SKU: i.SKU, Barcode: i.Barcode, Title: i.Title}
}

// PlanSpec is one operation plan.
type PlanSpec struct {
	Ref      string      `yaml:"ref"`
	Location string      `yaml:"location"`
	Origin   string      `yaml:"origin,omitempty"`
	Groups   []GroupSpec `yaml:"groups"`
}

// GroupSpec is one group of a plan.
type GroupSpec struct {
	ID    string        `yaml:"id"`
	Label string        `yaml:"label,omitempty"`
	Items []PlannedSpec `yaml:"items"`
}

// PlannedSpec is one expected item. Committed and applied seed progress
// from earlier sessions.
type PlannedSpec struct {
	Item      string `yaml:"item"`
	Planned   int    `yaml:"planned"`
	Committed int    `yaml:"committed,omitempty"`
	Applied   int    `yaml:"applied,omitempty"`
}

// StockSpec is an initial on-hand quantity.
type StockSpec struct {
	Location string `yaml:"location"`
	Item     string `yaml:"item"`
	Qty      int    `yaml:"qty"`
}

// Step is one operator action.
type Step struct {
	Do       string   `yaml:"do"`
	Ref      string   `yaml:"ref,omitempty"`
	Group    string   `yaml:"group,omitempty"`
	Groups   []string `yaml:"groups,omitempty"`
	Line     string   `yaml:"line,omitempty"`
	Item     string   `yaml:"item,omitempty"`
	Code     string   `yaml:"code,omitempty"`
	Qty      int      `yaml:"qty,omitempty"`
	Finalize bool     `yaml:"finalize,omitempty"`
	Text     string   `yaml:"text,omitempty"`
	Duration string   `yaml:"duration,omitempty"`

	// Error is the expected error code. Empty means the step must succeed.
	Error string `yaml:"error,omitempty"`
}

// Step actions.
const (
	StepLoad        = "load"
	StepReload      = "reload"
	StepEnter       = "enter"
	StepScan        = "scan"
	StepSet         = "set"
	StepIncrement   = "increment"
	StepAdd         = "add"
	StepRemove      = "remove"
	StepNote        = "note"
	StepReason      = "reason"
	StepAcknowledge = "acknowledge"
	StepDismiss     = "dismiss"
	StepConfirm     = "confirm"
	StepAdvance     = "advance"
)

// Assertion validates the final state.
type Assertion struct {
	// Type is one of stock, line, group_state, history_count, call_count.
	Type string `yaml:"type"`

	Location string `yaml:"location,omitempty"`
	Item     string `yaml:"item,omitempty"`
	Line     string `yaml:"line,omitempty"`
	Group    string `yaml:"group,omitempty"`
	Op       string `yaml:"op,omitempty"`

	Qty       *int   `yaml:"qty,omitempty"`
	Actual    *int   `yaml:"actual,omitempty"`
	Committed *int   `yaml:"committed,omitempty"`
	ReadOnly  *bool  `yaml:"read_only,omitempty"`
	State     string `yaml:"state,omitempty"`
	Count     *int   `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertStock        = "stock"
	AssertLine         = "line"
	AssertGroupState   = "group_state"
	AssertHistoryCount = "history_count"
	AssertCallCount    = "call_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or fails validation.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Platform.Plans) == 0 {
		return fmt.Errorf("platform.plans is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	items := make(map[string]bool, len(s.Platform.Items))
	for i, it := range s.Platform.Items {
		if it.ID == "" {
			return fmt.Errorf("platform.items[%d]: id is required", i)
		}
		items[it.ID] = true
	}
	for i, p := range s.Platform.Plans {
		if _, err := platform.ParseRef(p.Ref); err != nil {
			return fmt.Errorf("platform.plans[%d]: %w", i, err)
		}
		if p.Location == "" {
			return fmt.Errorf("platform.plans[%d]: location is required", i)
		}
		for gi, g := range p.Groups {
			if g.ID == "" {
				return fmt.Errorf("platform.plans[%d].groups[%d]: id is required", i, gi)
			}
			for ii, it := range g.Items {
				if !items[it.Item] {
					return fmt.Errorf("platform.plans[%d].groups[%d].items[%d]: unknown item %q", i, gi, ii, it.Item)
				}
			}
		}
	}
	for i, st := range s.Platform.Stock {
		if st.Location == "" || st.Item == "" {
			return fmt.Errorf("platform.stock[%d]: location and item are required", i)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(step, items); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step, items map[string]bool) error {
	switch step.Do {
	case StepLoad:
		if _, err := platform.ParseRef(step.Ref); err != nil {
			return err
		}
	case StepEnter:
		if step.Group == "" {
			return fmt.Errorf("group is required for enter")
		}
	case StepScan:
		if step.Code == "" {
			return fmt.Errorf("code is required for scan")
		}
	case StepSet, StepIncrement, StepRemove:
		if step.Line == "" {
			return fmt.Errorf("line is required for %s", step.Do)
		}
	case StepAdd:
		if !items[step.Item] {
			return fmt.Errorf("unknown item %q", step.Item)
		}
	case StepAdvance:
		if _, err := time.ParseDuration(step.Duration); err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}
	case StepReload, StepNote, StepReason, StepAcknowledge, StepDismiss, StepConfirm:
	case "":
		return fmt.Errorf("do is required")
	default:
		return fmt.Errorf("unknown step %q", step.Do)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertStock:
		if a.Location == "" || a.Item == "" || a.Qty == nil {
			return fmt.Errorf("location, item and qty are required for stock")
		}
	case AssertLine:
		if a.Line == "" {
			return fmt.Errorf("line is required for line")
		}
		if a.Actual == nil && a.Committed == nil && a.ReadOnly == nil {
			return fmt.Errorf("line assertion checks nothing")
		}
	case AssertGroupState:
		if a.Group == "" || a.State == "" {
			return fmt.Errorf("group and state are required for group_state")
		}
	case AssertHistoryCount:
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("count must be non-negative for history_count")
		}
	case AssertCallCount:
		if a.Op == "" || a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("op and a non-negative count are required for call_count")
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
