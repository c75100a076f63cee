package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/itemsync/internal/model"
)

func sampleResult() *Result {
	r := NewResult()
	r.AddTrace(TraceEvent{Step: 1, Op: "scan", Device: "a", Token: "T", Outcome: model.Map{"state": model.String("dirty")}})
	r.AddTrace(TraceEvent{Step: 2, Op: "sync", Device: "a", Outcome: model.Map{"sent": model.Int(1), "acked": model.Int(1)}})
	r.AddTrace(TraceEvent{Step: 3, Op: "sync", Device: "b", Outcome: model.Map{"sent": model.Int(0)}})
	r.Devices["a"] = map[string]EntitySnapshot{
		"T": {
			Fields:  model.Map{"title": model.String("Drill"), "capacity": model.Int(4)},
			State:   model.StateClean,
			Version: 2,
		},
	}
	r.Remote["T"] = RemoteSnapshot{Fields: model.Map{"title": model.String("Drill")}, Version: 2}
	return r
}

func TestAssertTraceContains(t *testing.T) {
	trace := sampleResult().Trace

	assert.NoError(t, assertTraceContains(trace, Assertion{Op: "scan"}))
	assert.NoError(t, assertTraceContains(trace, Assertion{Op: "sync", Device: "a", Expect: map[string]any{"acked": 1}}))
	assert.Error(t, assertTraceContains(trace, Assertion{Op: "sync", Device: "b", Expect: map[string]any{"acked": 1}}))
	assert.Error(t, assertTraceContains(trace, Assertion{Op: "pull"}))
	assert.Error(t, assertTraceContains(trace, Assertion{Op: "scan", Token: "OTHER"}))
}

func TestAssertTraceCount(t *testing.T) {
	trace := sampleResult().Trace

	assert.NoError(t, assertTraceCount(trace, Assertion{Op: "sync", Count: 2}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Op: "sync", Device: "b", Count: 1}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Op: "pull", Count: 0}))

	err := assertTraceCount(trace, Assertion{Op: "sync", Count: 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3 occurrences of sync")
	assert.Contains(t, err.Error(), "Actual: 2 occurrences")
}

func TestSubsetMatch(t *testing.T) {
	actual := model.Map{
		"state":  model.String("clean"),
		"fields": model.Map{"title": model.String("Drill"), "capacity": model.Int(4)},
	}

	tests := []struct {
		name   string
		expect map[string]any
		want   bool
	}{
		{"empty", map[string]any{}, true},
		{"top level", map[string]any{"state": "clean"}, true},
		{"nested subset", map[string]any{"fields": map[string]any{"title": "Drill"}}, true},
		{"nested mismatch", map[string]any{"fields": map[string]any{"title": "Saw"}}, false},
		{"type mismatch", map[string]any{"fields": map[string]any{"capacity": "4"}}, false},
		{"missing key", map[string]any{"version": 1}, false},
		{"null means absent", map[string]any{"fields": map[string]any{"status": nil}}, true},
		{"null on present key", map[string]any{"fields": map[string]any{"title": nil}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expected, err := model.FromAny(tt.expect)
			require.NoError(t, err)
			assert.Equal(t, tt.want, subsetMatch(expected, actual))
		})
	}
}

func TestEvaluateAssertions_AllPass(t *testing.T) {
	result := sampleResult()
	assertions := []Assertion{
		{Type: AssertEntity, Device: "a", Token: "T", Expect: map[string]any{"version": 2, "fields": map[string]any{"capacity": 4}}},
		{Type: AssertRemote, Token: "T", Expect: map[string]any{"version": 2}},
		{Type: AssertTraceContains, Op: "scan"},
		{Type: AssertTraceCount, Op: "sync", Count: 2},
	}
	assert.Empty(t, EvaluateAssertions(result, assertions, nil))
}

func TestEvaluateAssertions_SomeFail(t *testing.T) {
	result := sampleResult()
	assertions := []Assertion{
		{Type: AssertEntity, Device: "a", Token: "T", Expect: map[string]any{"state": "dirty"}},
		{Type: AssertEntity, Device: "b", Token: "T"},
		{Type: AssertRemote, Token: "U"},
		{Type: AssertTraceCount, Op: "sync", Count: 2},
	}
	errs := EvaluateAssertions(result, assertions, nil)
	require.Len(t, errs, 3)
	assert.Contains(t, errs[0], "Assertion failed: entity")
	assert.Contains(t, errs[1], "not found")
	assert.Contains(t, errs[2], "remote document for U")
}

func TestEvaluateAssertions_AttachmentWithoutContext(t *testing.T) {
	errs := EvaluateAssertions(NewResult(), []Assertion{{Type: AssertAttachment, Device: "a", Token: "T", Slot: "qr"}}, nil)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "requires a device store")
}

func TestEvaluateAssertions_UnknownType(t *testing.T) {
	errs := EvaluateAssertions(NewResult(), []Assertion{{Type: "final_state"}}, nil)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], `unknown assertion type "final_state"`)
}

func TestAssertionError_ErrorFormat(t *testing.T) {
	err := &AssertionError{
		Type:     AssertTraceCount,
		Expected: "1 occurrences of sync",
		Actual:   "0 occurrences",
		Trace:    []TraceEvent{{Step: 1, Op: "scan", Device: "a", Token: "T", Outcome: model.Map{}}},
	}
	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: trace_count")
	assert.Contains(t, msg, "Expected: 1 occurrences of sync")
	assert.Contains(t, msg, "[1] a scan T {}")
}
