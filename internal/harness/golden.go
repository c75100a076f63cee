package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/itemsync/internal/model"
)

// Snapshot is the deterministic record of a scenario run: its trace and
// the final state of every device and the remote.
func Snapshot(name string, result *Result) model.Map {
	trace := make(model.List, len(result.Trace))
	for i, ev := range result.Trace {
		trace[i] = ev.toMap()
	}

	devices := model.Map{}
	for dev, snaps := range result.Devices {
		entities := model.Map{}
		for token, snap := range snaps {
			entities[token] = snap.toMap()
		}
		devices[dev] = entities
	}

	remote := model.Map{}
	for token, snap := range result.Remote {
		remote[token] = snap.toMap()
	}

	return model.Map{
		"scenario": model.String(name),
		"trace":    trace,
		"devices":  devices,
		"remote":   remote,
	}
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := model.MarshalCanonical(Snapshot(name, result))
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
