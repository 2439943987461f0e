package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is one end-to-end test: initial primary content, a flow of
// steps with expected outcomes, and assertions on the final trace and state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Objects seed the primary store before the flow runs.
	Objects []Object `yaml:"objects,omitempty"`

	// Flow contains the steps to execute, in order.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// Object is one seeded primary-store object.
type Object struct {
	Key     string `yaml:"key"`
	Content string `yaml:"content"`

	// Age is how long before the scenario start the object was last
	// modified, as a Go duration. Defaults to one hour.
	Age string `yaml:"age,omitempty"`
}

// FlowStep is one action with optional expectations.
type FlowStep struct {
	// Action is one of the Action* constants.
	Action string `yaml:"action"`

	// Args are the action arguments.
	Args map[string]interface{} `yaml:"args,omitempty"`

	// Expect specifies the expected outcome. Nil expects "ok".
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies expected step behavior.
type ExpectClause struct {
	// Outcome is "ok" (the default) or the expected error code.
	Outcome string `yaml:"outcome,omitempty"`

	// Result is a subset match on the step result.
	Result map[string]interface{} `yaml:"result,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Action is the step action (trace_contains, trace_count).
	Action string `yaml:"action,omitempty"`

	// Args are the expected step arguments (trace_contains), subset match.
	Args map[string]interface{} `yaml:"args,omitempty"`

	// Table is the database table (final_state).
	Table string `yaml:"table,omitempty"`

	// Where specifies query filters (final_state). All fields must match.
	Where map[string]interface{} `yaml:"where,omitempty"`

	// Expect contains expected column values (final_state), subset match.
	Expect map[string]interface{} `yaml:"expect,omitempty"`

	// Count is the expected number of occurrences (trace_count, log_count).
	Count int `yaml:"count,omitempty"`

	// Actions is the expected order (trace_order).
	Actions []string `yaml:"actions,omitempty"`

	// Operation and Status filter sync log entries (log_count).
	Operation string `yaml:"operation,omitempty"`
	Status    string `yaml:"status,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertLogCount      = "log_count"
)

// Step actions.
const (
	ActionPut        = "put"
	ActionAdvance    = "advance"
	ActionBackup     = "backup"
	ActionCheck      = "check"
	ActionAcquire    = "acquire"
	ActionValidate   = "validate"
	ActionComplete   = "complete"
	ActionLastEditor = "last_editor"
	ActionCheckout   = "checkout"
	ActionEdit       = "edit"
	ActionCollect    = "collect"
	ActionFail       = "fail"
	ActionHeal       = "heal"
)

var knownActions = map[string]bool{
	ActionPut: true, ActionAdvance: true, ActionBackup: true, ActionCheck: true,
	ActionAcquire: true, ActionValidate: true, ActionComplete: true, ActionLastEditor: true,
	ActionCheckout: true, ActionEdit: true, ActionCollect: true, ActionFail: true, ActionHeal: true,
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
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

	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	seen := make(map[string]bool, len(s.Objects))
	for i, obj := range s.Objects {
		if obj.Key == "" {
			return fmt.Errorf("objects[%d]: key is required", i)
		}
		if seen[obj.Key] {
			return fmt.Errorf("objects[%d]: duplicate key %q", i, obj.Key)
		}
		seen[obj.Key] = true
		if obj.Age != "" {
			if _, err := time.ParseDuration(obj.Age); err != nil {
				return fmt.Errorf("objects[%d]: invalid age: %w", i, err)
			}
		}
	}

	for i, step := range s.Flow {
		if step.Action == "" {
			return fmt.Errorf("flow[%d]: action is required", i)
		}
		if !knownActions[step.Action] {
			return fmt.Errorf("flow[%d]: unknown action %q", i, step.Action)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("assertions[%d]: actions list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertLogCount:
		if a.Operation == "" {
			return fmt.Errorf("assertions[%d]: operation is required for log_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for log_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
