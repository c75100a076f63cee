package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// DefaultStart is the device wall clock at the start of a scenario, in ms.
const DefaultStart = 1000

// Scenario defines a multi-device sync scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Devices lists the device names. Each is also its replica ID.
	Devices []string `yaml:"devices"`

	// Start is the initial wall clock of every device. Default: DefaultStart.
	Start int64 `yaml:"start,omitempty"`

	// MaxAttempts is the retry budget for mutations and uploads. Default: 3.
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// LinkFields enables <slot>_url link-back on synced uploads.
	LinkFields bool `yaml:"link_fields,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state and trace.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one operation. Exactly one operation field is set.
type Step struct {
	// Device runs the operation. Required for device operations.
	Device string `yaml:"device,omitempty"`

	Scan        string           `yaml:"scan,omitempty"`
	Set         *SetStep         `yaml:"set,omitempty"`
	Delete      string           `yaml:"delete,omitempty"`
	Retry       string           `yaml:"retry,omitempty"`
	Attach      *AttachStep      `yaml:"attach,omitempty"`
	Cancel      *SlotStep        `yaml:"cancel,omitempty"`
	Upload      bool             `yaml:"upload,omitempty"`
	Sync        bool             `yaml:"sync,omitempty"`
	Pull        bool             `yaml:"pull,omitempty"`
	RemoteWrite *RemoteWrite     `yaml:"remote_write,omitempty"`
	Advance     int64            `yaml:"advance,omitempty"`
	Offline     *bool            `yaml:"offline,omitempty"`
	FailNext    *FailNextStep    `yaml:"fail_next,omitempty"`
	Expect      *StepExpectation `yaml:"expect,omitempty"`
}

// SetStep writes fields to the entity bound to Token.
type SetStep struct {
	Token  string         `yaml:"token"`
	Fields map[string]any `yaml:"fields"`
}

// AttachStep attaches Content to a slot.
type AttachStep struct {
	Token       string `yaml:"token"`
	Slot        string `yaml:"slot"`
	Content     string `yaml:"content"`
	ContentType string `yaml:"content_type,omitempty"`
}

// SlotStep names an attachment slot.
type SlotStep struct {
	Token string `yaml:"token"`
	Slot  string `yaml:"slot"`
}

// RemoteWrite changes the remote document as another writer would.
type RemoteWrite struct {
	Token  string         `yaml:"token"`
	At     int64          `yaml:"at"`
	Origin string         `yaml:"origin"`
	Fields map[string]any `yaml:"fields"`
}

// FailNextStep queues transient failures on the remote.
type FailNextStep struct {
	// Target is "store" or "media".
	Target string `yaml:"target"`
	Count  int    `yaml:"count"`
}

// StepExpectation checks the step's own result.
type StepExpectation struct {
	// Error is a substring the step error must contain. Empty expects success.
	Error string `yaml:"error,omitempty"`
}

// Assertion validates final state or the trace.
type Assertion struct {
	// Type is entity, remote, attachment, trace_contains or trace_count.
	Type string `yaml:"type"`

	Device string `yaml:"device,omitempty"`
	Token  string `yaml:"token,omitempty"`
	Slot   string `yaml:"slot,omitempty"`

	// Op names the traced operation (trace_contains, trace_count).
	Op string `yaml:"op,omitempty"`

	// Count is the expected number of traced operations (trace_count).
	Count int `yaml:"count,omitempty"`

	// Expect holds expected values. Subset match: only listed keys are checked.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertEntity        = "entity"
	AssertRemote        = "remote"
	AssertAttachment    = "attachment"
	AssertTraceContains = "trace_contains"
	AssertTraceCount    = "trace_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos fail loudly.
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
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadDir loads every *.yaml scenario in dir, sorted by file name.
func LoadDir(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	scenarios := make([]*Scenario, 0, len(paths))
	seen := make(map[string]string)
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		if prev, dup := seen[s.Name]; dup {
			return nil, fmt.Errorf("%s: scenario name %q already used by %s", filepath.Base(p), s.Name, prev)
		}
		seen[s.Name] = filepath.Base(p)
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Devices) == 0 {
		return fmt.Errorf("devices list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	devices := make(map[string]bool, len(s.Devices))
	for _, d := range s.Devices {
		if d == "" || devices[d] {
			return fmt.Errorf("device names must be unique and non-empty")
		}
		devices[d] = true
	}

	for i, step := range s.Steps {
		op, err := step.op()
		if err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
		if deviceOps[op] && !devices[step.Device] {
			return fmt.Errorf("steps[%d]: %s needs a known device, got %q", i, op, step.Device)
		}
		if step.Device != "" && !devices[step.Device] {
			return fmt.Errorf("steps[%d]: unknown device %q", i, step.Device)
		}
		if step.FailNext != nil && step.FailNext.Target != "store" && step.FailNext.Target != "media" {
			return fmt.Errorf("steps[%d]: fail_next target must be store or media", i)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a, devices); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

var deviceOps = map[string]bool{
	"scan": true, "set": true, "delete": true, "retry": true,
	"attach": true, "cancel": true, "upload": true, "sync": true, "pull": true,
}

// op returns the name of the step's single operation.
func (s Step) op() (string, error) {
	var ops []string
	add := func(set bool, name string) {
		if set {
			ops = append(ops, name)
		}
	}
	add(s.Scan != "", "scan")
	add(s.Set != nil, "set")
	add(s.Delete != "", "delete")
	add(s.Retry != "", "retry")
	add(s.Attach != nil, "attach")
	add(s.Cancel != nil, "cancel")
	add(s.Upload, "upload")
	add(s.Sync, "sync")
	add(s.Pull, "pull")
	add(s.RemoteWrite != nil, "remote_write")
	add(s.Advance != 0, "advance")
	add(s.Offline != nil, "offline")
	add(s.FailNext != nil, "fail_next")

	switch len(ops) {
	case 1:
		return ops[0], nil
	case 0:
		return "", fmt.Errorf("no operation")
	default:
		return "", fmt.Errorf("more than one operation: %v", ops)
	}
}

func validateAssertion(a Assertion, devices map[string]bool) error {
	switch a.Type {
	case AssertEntity, AssertAttachment:
		if !devices[a.Device] {
			return fmt.Errorf("%s needs a known device, got %q", a.Type, a.Device)
		}
		if a.Token == "" {
			return fmt.Errorf("token is required for %s", a.Type)
		}
		if a.Type == AssertAttachment && a.Slot == "" {
			return fmt.Errorf("slot is required for attachment")
		}
	case AssertRemote:
		if a.Token == "" {
			return fmt.Errorf("token is required for remote")
		}
	case AssertTraceContains:
		if a.Op == "" {
			return fmt.Errorf("op is required for trace_contains")
		}
	case AssertTraceCount:
		if a.Op == "" {
			return fmt.Errorf("op is required for trace_count")
		}
		if a.Count < 0 {
			return fmt.Errorf("count must be non-negative for trace_count")
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
