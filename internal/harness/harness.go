package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/roach88/itemsync/internal/attachment"
	"github.com/roach88/itemsync/internal/backoff"
	"github.com/roach88/itemsync/internal/engine"
	"github.com/roach88/itemsync/internal/identity"
	"github.com/roach88/itemsync/internal/model"
	"github.com/roach88/itemsync/internal/remote"
	"github.com/roach88/itemsync/internal/remote/memremote"
	"github.com/roach88/itemsync/internal/store"
	"github.com/roach88/itemsync/internal/testutil"
)

// device is one replica under test.
type device struct {
	name        string
	store       *store.Store
	wall        *testutil.DeterministicClock
	engine      *engine.Engine
	resolver    *identity.Resolver
	attachments *attachment.Manager
}

// Harness executes one scenario. Every run gets fresh stores in a
// temporary directory and a fresh in-memory remote.
type Harness struct {
	scenario *Scenario
	remote   *memremote.Store
	media    *memremote.Media
	devices  map[string]*device
	logger   *slog.Logger
}

// Run executes a scenario and returns the result. The error is set only
// when the harness itself could not run; failed assertions and unexpected
// step errors are reported in the result.
func Run(scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "itemsync-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	h, err := newHarness(scenario, dir)
	if err != nil {
		return nil, err
	}
	defer h.close()

	ctx := context.Background()
	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.execute(ctx, i+1, step, result); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
	}

	if err := h.snapshot(ctx, result); err != nil {
		return nil, fmt.Errorf("failed to snapshot state: %w", err)
	}
	actx := &AssertionContext{Ctx: ctx, Stores: make(map[string]*store.Store, len(h.devices))}
	for name, d := range h.devices {
		actx.Stores[name] = d.store
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(scenario *Scenario, dir string) (*Harness, error) {
	h := &Harness{
		scenario: scenario,
		remote:   memremote.NewStore(),
		media:    memremote.NewMedia(),
		devices:  make(map[string]*device, len(scenario.Devices)),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	start := scenario.Start
	if start == 0 {
		start = DefaultStart
	}
	attempts := scenario.MaxAttempts
	if attempts == 0 {
		attempts = 3
	}
	policy := backoff.Policy{Initial: time.Second, Max: time.Minute, Multiplier: 2, MaxAttempts: attempts}

	for _, name := range scenario.Devices {
		d, err := h.newDevice(name, filepath.Join(dir, name), start, policy)
		if err != nil {
			h.close()
			return nil, fmt.Errorf("device %s: %w", name, err)
		}
		h.devices[name] = d
	}
	return h, nil
}

func (h *Harness) newDevice(name, dir string, start int64, policy backoff.Policy) (*device, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	ids := testutil.NewSequentialIDs(name)
	st, err := store.Open(filepath.Join(dir, "local.db"), store.WithIDGenerator(ids.Next), store.WithLogger(h.logger))
	if err != nil {
		return nil, err
	}

	wall := testutil.NewDeterministicClock()
	wall.Set(start)

	eng, err := engine.New(st, h.remote,
		engine.WithWallClock(wall.Now),
		engine.WithReplicaID(name),
		engine.WithRetryPolicy(policy),
		engine.WithLogger(h.logger),
	)
	if err != nil {
		st.Close()
		return nil, err
	}

	resolver, err := identity.NewResolver(st, eng.Clock(), name, identity.WithLogger(h.logger))
	if err != nil {
		st.Close()
		return nil, err
	}

	cache, err := attachment.NewCache(filepath.Join(dir, "blobs"))
	if err != nil {
		st.Close()
		return nil, err
	}
	tickets := testutil.NewSequentialIDs(name + "-ticket")
	opts := []attachment.Option{
		attachment.WithWallClock(wall.Now),
		attachment.WithTicketGenerator(tickets.Next),
		attachment.WithRetryPolicy(policy),
		attachment.WithLogger(h.logger),
	}
	if h.scenario.LinkFields {
		opts = append(opts, attachment.WithLinker(eng))
	}
	mgr, err := attachment.New(st, h.media, cache, opts...)
	if err != nil {
		st.Close()
		return nil, err
	}

	return &device{
		name:        name,
		store:       st,
		wall:        wall,
		engine:      eng,
		resolver:    resolver,
		attachments: mgr,
	}, nil
}

func (h *Harness) close() {
	for _, d := range h.devices {
		d.store.Close()
	}
}

// entityID maps a scenario token to its derived entity ID.
func entityID(token string) (model.EntityID, error) {
	normalized, err := identity.NormalizeToken(token, identity.ChecksumNone)
	if err != nil {
		return "", err
	}
	return model.DerivedEntityID(normalized), nil
}

// execute runs one step and records it in the trace. Step errors are
// checked against the step's expectation; only harness failures return.
func (h *Harness) execute(ctx context.Context, n int, step Step, result *Result) error {
	op, err := step.op()
	if err != nil {
		return err
	}
	ev := TraceEvent{Step: n, Op: op, Device: step.Device}
	d := h.devices[step.Device]

	outcome, stepErr := h.apply(ctx, op, d, step, &ev)

	want := ""
	if step.Expect != nil {
		want = step.Expect.Error
	}
	switch {
	case stepErr != nil && want != "" && strings.Contains(stepErr.Error(), want):
		outcome = model.Map{"error": model.Bool(true)}
	case stepErr != nil:
		outcome = model.Map{"error": model.Bool(true)}
		result.AddError(fmt.Sprintf("step %d (%s): unexpected error: %v", n, op, stepErr))
	case want != "":
		result.AddError(fmt.Sprintf("step %d (%s): expected error containing %q, got none", n, op, want))
	}

	ev.Outcome = outcome
	result.AddTrace(ev)
	h.logger.Info("step completed", "step", n, "op", op, "device", step.Device, "error", stepErr)
	return nil
}

func (h *Harness) apply(ctx context.Context, op string, d *device, step Step, ev *TraceEvent) (model.Map, error) {
	switch op {
	case "scan":
		ev.Token = step.Scan
		id, err := d.resolver.Resolve(ctx, step.Scan)
		if err != nil {
			return nil, err
		}
		return entityOutcome(ctx, d, id)

	case "set":
		ev.Token = step.Set.Token
		id, err := entityID(step.Set.Token)
		if err != nil {
			return nil, err
		}
		fields, err := toMap(step.Set.Fields)
		if err != nil {
			return nil, err
		}
		if _, err := d.engine.Set(ctx, id, fields); err != nil {
			return nil, err
		}
		return entityOutcome(ctx, d, id)

	case "delete":
		ev.Token = step.Delete
		id, err := entityID(step.Delete)
		if err != nil {
			return nil, err
		}
		if _, err := d.engine.Delete(ctx, id); err != nil {
			return nil, err
		}
		return entityOutcome(ctx, d, id)

	case "retry":
		ev.Token = step.Retry
		id, err := entityID(step.Retry)
		if err != nil {
			return nil, err
		}
		if _, err := d.engine.Retry(ctx, id); err != nil {
			return nil, err
		}
		return entityOutcome(ctx, d, id)

	case "attach":
		ev.Token = step.Attach.Token
		id, err := entityID(step.Attach.Token)
		if err != nil {
			return nil, err
		}
		ct := step.Attach.ContentType
		if ct == "" {
			ct = "text/plain"
		}
		ticket, err := d.attachments.Attach(ctx, id, step.Attach.Slot, strings.NewReader(step.Attach.Content), ct)
		if err != nil {
			return nil, err
		}
		return model.Map{"ticket": model.String(ticket)}, nil

	case "cancel":
		ev.Token = step.Cancel.Token
		id, err := entityID(step.Cancel.Token)
		if err != nil {
			return nil, err
		}
		a, err := d.attachments.Cancel(ctx, id, step.Cancel.Slot)
		if err != nil {
			return nil, err
		}
		return model.Map{"state": model.String(a.State), "reason": model.String(a.Reason)}, nil

	case "upload":
		r, err := d.attachments.UploadOnce(ctx)
		if err != nil {
			return nil, err
		}
		if len(r.Errors) > 0 {
			return nil, errors.Join(r.Errors...)
		}
		return model.Map{
			"uploaded":  model.Int(r.Uploaded),
			"retrying":  model.Int(r.Retrying),
			"failed":    model.Int(r.Failed),
			"cancelled": model.Int(r.Cancelled),
		}, nil

	case "sync":
		r, err := d.engine.SyncOnce(ctx)
		if err != nil {
			return nil, err
		}
		if len(r.Errors) > 0 {
			return nil, errors.Join(r.Errors...)
		}
		return model.Map{
			"sent":      model.Int(r.Sent),
			"acked":     model.Int(r.Acked),
			"merged":    model.Int(r.Merged),
			"conflicts": model.Int(r.Conflicts),
			"retrying":  model.Int(r.Retrying),
			"failed":    model.Int(len(r.Failed)),
		}, nil

	case "pull":
		return h.pull(ctx, d)

	case "remote_write":
		w := step.RemoteWrite
		ev.Token = w.Token
		id, err := entityID(w.Token)
		if err != nil {
			return nil, err
		}
		fields, err := toMap(w.Fields)
		if err != nil {
			return nil, err
		}
		version := h.remote.Write(id, model.NewDocument(fields, model.Stamp{Time: w.At, Origin: w.Origin}))
		return model.Map{"version": model.Int(version)}, nil

	case "advance":
		for _, dev := range h.devices {
			if step.Device == "" || dev.name == step.Device {
				dev.wall.Advance(step.Advance)
			}
		}
		return model.Map{"ms": model.Int(step.Advance)}, nil

	case "offline":
		h.remote.SetOffline(*step.Offline)
		h.media.SetOffline(*step.Offline)
		return model.Map{"offline": model.Bool(*step.Offline)}, nil

	case "fail_next":
		errs := make([]error, step.FailNext.Count)
		for i := range errs {
			errs[i] = &remote.TransientError{Op: step.FailNext.Target, Err: errors.New("injected fault")}
		}
		if step.FailNext.Target == "media" {
			h.media.FailNext(errs...)
		} else {
			h.remote.FailNext(errs...)
		}
		return model.Map{"count": model.Int(step.FailNext.Count)}, nil

	default:
		return nil, fmt.Errorf("unknown operation %q", op)
	}
}

// pull applies every remote change after the device's cursor.
func (h *Harness) pull(ctx context.Context, d *device) (model.Map, error) {
	cursor, err := d.engine.Cursor(ctx)
	if err != nil {
		return nil, err
	}

	changes := h.remote.Changes(cursor)
	applied := 0
	for _, c := range changes {
		ok, err := d.engine.ApplyChange(ctx, c)
		if err != nil {
			return nil, err
		}
		if ok {
			applied++
		}
	}
	return model.Map{"changes": model.Int(len(changes)), "applied": model.Int(applied)}, nil
}

func entityOutcome(ctx context.Context, d *device, id model.EntityID) (model.Map, error) {
	e, err := d.store.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	return model.Map{
		"state":   model.String(e.State),
		"pending": model.Bool(e.Pending),
	}, nil
}

func toMap(fields map[string]any) (model.Map, error) {
	out := make(model.Map, len(fields))
	for k, v := range fields {
		val, err := model.FromAny(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = val
	}
	return out, nil
}

// tokens returns every token the scenario touches, sorted.
func (s *Scenario) tokens() []string {
	seen := make(map[string]bool)
	add := func(t string) {
		if t != "" {
			seen[t] = true
		}
	}
	for _, st := range s.Steps {
		add(st.Scan)
		add(st.Delete)
		add(st.Retry)
		if st.Set != nil {
			add(st.Set.Token)
		}
		if st.Attach != nil {
			add(st.Attach.Token)
		}
		if st.Cancel != nil {
			add(st.Cancel.Token)
		}
		if st.RemoteWrite != nil {
			add(st.RemoteWrite.Token)
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// snapshot records the final local and remote state of every token.
func (h *Harness) snapshot(ctx context.Context, result *Result) error {
	tokens := h.scenario.tokens()
	for name, d := range h.devices {
		entities := make(map[string]EntitySnapshot)
		for _, token := range tokens {
			id, err := entityID(token)
			if err != nil {
				continue
			}
			e, err := d.store.GetEntity(ctx, id)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			snap := EntitySnapshot{
				Fields:  e.Values(),
				State:   e.State,
				Version: e.Version,
				Pending: e.Pending,
				Deleted: e.Deleted,
			}
			for _, a := range e.Attachments {
				if snap.Attachments == nil {
					snap.Attachments = make(map[string]string)
				}
				state := string(a.State)
				if a.Reason != "" {
					state += ":" + a.Reason
				}
				snap.Attachments[a.Slot] = state
			}
			entities[token] = snap
		}
		result.Devices[name] = entities
	}

	for _, token := range tokens {
		id, err := entityID(token)
		if err != nil {
			continue
		}
		doc, ok := h.remote.Get(id)
		if !ok {
			continue
		}
		result.Remote[token] = RemoteSnapshot{
			Fields:  doc.Fields.Values(),
			Version: doc.Version,
			Deleted: doc.Deleted,
		}
	}
	return nil
}
