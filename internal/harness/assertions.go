package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/itemsync/internal/model"
	"github.com/roach88/itemsync/internal/store"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s %s %s\n", event.Step, event.Device, event.Op, event.Token, formatValue(event.Outcome))
		}
	}
	return buf.String()
}

// AssertionContext provides device stores for attachment assertions.
type AssertionContext struct {
	Ctx    context.Context
	Stores map[string]*store.Store
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertEntity:
			err = assertEntity(result, assertion)
		case AssertRemote:
			err = assertRemote(result, assertion)
		case AssertAttachment:
			if actx == nil || actx.Stores[assertion.Device] == nil {
				err = fmt.Errorf("assertion[%d]: attachment requires a device store", i)
			} else {
				err = assertAttachment(actx.Ctx, actx.Stores[assertion.Device], assertion)
			}
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

func assertEntity(result *Result, a Assertion) error {
	snap, ok := result.Devices[a.Device][a.Token]
	if !ok {
		return &AssertionError{
			Type:     AssertEntity,
			Expected: fmt.Sprintf("entity %s on %s", a.Token, a.Device),
			Actual:   "not found",
		}
	}
	return expectSubset(AssertEntity, fmt.Sprintf("%s on %s", a.Token, a.Device), snap.toMap(), a.Expect)
}

func assertRemote(result *Result, a Assertion) error {
	snap, ok := result.Remote[a.Token]
	if !ok {
		return &AssertionError{
			Type:     AssertRemote,
			Expected: fmt.Sprintf("remote document for %s", a.Token),
			Actual:   "not found",
		}
	}
	return expectSubset(AssertRemote, a.Token, snap.toMap(), a.Expect)
}

func assertAttachment(ctx context.Context, st *store.Store, a Assertion) error {
	id, err := entityID(a.Token)
	if err != nil {
		return err
	}
	att, err := st.GetAttachment(ctx, id, a.Slot)
	if errors.Is(err, store.ErrNotFound) {
		return &AssertionError{
			Type:     AssertAttachment,
			Expected: fmt.Sprintf("attachment %s/%s on %s", a.Token, a.Slot, a.Device),
			Actual:   "not found",
		}
	}
	if err != nil {
		return err
	}
	actual := model.Map{
		"state":   model.String(att.State),
		"reason":  model.String(att.Reason),
		"retries": model.Int(att.Retries),
		"url_set": model.Bool(att.URL != ""),
		"size":    model.Int(att.Size),
	}
	return expectSubset(AssertAttachment, fmt.Sprintf("%s/%s on %s", a.Token, a.Slot, a.Device), actual, a.Expect)
}

// assertTraceContains checks for a step with the op, device and token that
// produced an outcome matching Expect (subset match).
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, event := range trace {
		if !traceMatches(event, a) {
			continue
		}
		if len(a.Expect) == 0 {
			return nil
		}
		expected, err := model.FromAny(a.Expect)
		if err == nil && subsetMatch(expected, event.Outcome) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("%s step with outcome %v", a.Op, a.Expect),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceCount checks that the op appears exactly Count times.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, event := range trace {
		if traceMatches(event, a) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, a.Op),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

func traceMatches(event TraceEvent, a Assertion) bool {
	if event.Op != a.Op {
		return false
	}
	if a.Device != "" && event.Device != a.Device {
		return false
	}
	return a.Token == "" || event.Token == a.Token
}

func expectSubset(kind, subject string, actual model.Map, expect map[string]any) error {
	if len(expect) == 0 {
		return nil
	}
	expected, err := model.FromAny(expect)
	if err != nil {
		return fmt.Errorf("%s %s: invalid expectation: %w", kind, subject, err)
	}
	if !subsetMatch(expected, actual) {
		return &AssertionError{
			Type:     kind,
			Expected: fmt.Sprintf("%s %s", subject, formatValue(expected)),
			Actual:   formatValue(actual),
		}
	}
	return nil
}

// subsetMatch reports whether actual contains everything in expected.
// Maps match on the keys expected lists; an expected null matches a key
// that is absent or null. Every other value must be equal.
func subsetMatch(expected, actual model.Value) bool {
	em, ok := expected.(model.Map)
	if !ok {
		return model.Equal(expected, actual)
	}
	am, ok := actual.(model.Map)
	if !ok {
		return false
	}
	for k, ev := range em {
		av, present := am[k]
		if model.IsNull(ev) {
			if present && !model.IsNull(av) {
				return false
			}
			continue
		}
		if !present || !subsetMatch(ev, av) {
			return false
		}
	}
	return true
}

func formatValue(v model.Value) string {
	data, err := model.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
