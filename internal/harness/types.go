package harness

import "github.com/roach88/itemsync/internal/model"

// TraceEvent records one executed step and what it produced.
type TraceEvent struct {
	Step    int       `json:"step"`
	Op      string    `json:"op"`
	Device  string    `json:"device,omitempty"`
	Token   string    `json:"token,omitempty"`
	Outcome model.Map `json:"outcome"`
}

func (e TraceEvent) toMap() model.Map {
	m := model.Map{
		"step":    model.Int(e.Step),
		"op":      model.String(e.Op),
		"outcome": e.Outcome,
	}
	if e.Device != "" {
		m["device"] = model.String(e.Device)
	}
	if e.Token != "" {
		m["token"] = model.String(e.Token)
	}
	return m
}

// EntitySnapshot is the observable local state of one entity.
type EntitySnapshot struct {
	Fields      model.Map         `json:"fields"`
	State       model.SyncState   `json:"state"`
	Version     int64             `json:"version"`
	Pending     bool              `json:"pending"`
	Deleted     bool              `json:"deleted"`
	Attachments map[string]string `json:"attachments,omitempty"`
}

func (s EntitySnapshot) toMap() model.Map {
	m := model.Map{
		"fields":  s.Fields,
		"state":   model.String(s.State),
		"version": model.Int(s.Version),
		"pending": model.Bool(s.Pending),
		"deleted": model.Bool(s.Deleted),
	}
	if len(s.Attachments) > 0 {
		atts := model.Map{}
		for slot, state := range s.Attachments {
			atts[slot] = model.String(state)
		}
		m["attachments"] = atts
	}
	return m
}

// RemoteSnapshot is the remote document of one entity.
type RemoteSnapshot struct {
	Fields  model.Map `json:"fields"`
	Version int64     `json:"version"`
	Deleted bool      `json:"deleted"`
}

func (s RemoteSnapshot) toMap() model.Map {
	return model.Map{
		"fields":  s.Fields,
		"version": model.Int(s.Version),
		"deleted": model.Bool(s.Deleted),
	}
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Trace holds the executed steps in order.
	Trace []TraceEvent `json:"trace"`

	// Errors holds failed assertion and step expectation messages.
	Errors []string `json:"errors,omitempty"`

	// Devices maps device name to token to local entity state.
	Devices map[string]map[string]EntitySnapshot `json:"devices"`

	// Remote maps token to remote document.
	Remote map[string]RemoteSnapshot `json:"remote"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Trace:   []TraceEvent{},
		Errors:  []string{},
		Devices: make(map[string]map[string]EntitySnapshot),
		Remote:  make(map[string]RemoteSnapshot),
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends an executed step.
func (r *Result) AddTrace(e TraceEvent) {
	if e.Outcome == nil {
		e.Outcome = model.Map{}
	}
	r.Trace = append(r.Trace, e)
}
