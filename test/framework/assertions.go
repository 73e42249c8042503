package framework

import (
	"github.com/forensiq/harvest/pkg/events"
	"github.com/forensiq/harvest/pkg/types"
)

// Assertions provides test assertion helpers
type Assertions struct {
	t TestingT
}

// NewAssertions creates a new Assertions instance
func NewAssertions(t TestingT) *Assertions {
	return &Assertions{t: t}
}

// OutcomeSuccess asserts that a job finished DONE. On failure it prints
// the phase, kind and detail so the transcript reads like the operator
// report.
func (a *Assertions) OutcomeSuccess(out *types.Outcome) {
	a.t.Helper()

	if out.Result != types.ResultSuccess {
		a.t.Fatalf("Job on %s failed in %s (%s): %s", out.Hostname, out.Phase, out.Kind, out.Detail)
	}
	if out.Phase != types.PhaseDone {
		a.t.Errorf("Job on %s succeeded but finished in phase %s", out.Hostname, out.Phase)
	}
}

// OutcomeFailure asserts that a job failed in the given phase with the
// given kind
func (a *Assertions) OutcomeFailure(out *types.Outcome, phase types.Phase, kind types.FailureKind) {
	a.t.Helper()

	if out.Result != types.ResultFailure {
		a.t.Fatalf("Job on %s succeeded, expected a %s failure in %s", out.Hostname, kind, phase)
	}
	if out.Phase != phase || out.Kind != kind {
		a.t.Fatalf("Job on %s failed as %s/%s, expected %s/%s: %s",
			out.Hostname, out.Phase, out.Kind, phase, kind, out.Detail)
	}
}

// PhaseSequence asserts the exact phase transitions of an event stream
func (a *Assertions) PhaseSequence(evs []*events.Event, want ...types.Phase) {
	a.t.Helper()

	got := PhasesOf(evs)
	if len(got) != len(want) {
		a.t.Fatalf("Phases = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			a.t.Fatalf("Phases = %v, want %v", got, want)
		}
	}
}

// ObjectStored asserts that the store holds the key with exactly the
// given bytes
func (a *Assertions) ObjectStored(store *FakeObjectStore, key string, want []byte) {
	a.t.Helper()

	got, ok := store.Object(key)
	if !ok {
		a.t.Fatalf("Object %s not in the store", key)
	}
	if len(got) != len(want) {
		a.t.Fatalf("Object %s is %d bytes, want %d", key, len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			a.t.Fatalf("Object %s bytes differ at offset %d", key, i)
		}
	}
}

// NoObject asserts that the store does not hold the key
func (a *Assertions) NoObject(store *FakeObjectStore, key string) {
	a.t.Helper()

	if _, ok := store.Object(key); ok {
		a.t.Fatalf("Object %s present in the store, expected absent", key)
	}
}

// SessionHygiene asserts that exactly n sessions were opened and every
// one of them was torn down again
func (a *Assertions) SessionHygiene(cloud *FakeCloud, n int) {
	a.t.Helper()

	if opened := cloud.SessionsOpened(); opened != n {
		a.t.Errorf("Sessions opened = %d, want %d", opened, n)
	}
	if opened, deleted := cloud.SessionsOpened(), cloud.SessionsDeleted(); opened != deleted {
		a.t.Errorf("Sessions opened = %d but deleted = %d, a session leaked", opened, deleted)
	}
}

// NoError asserts that the error is nil
func (a *Assertions) NoError(err error, msg string) {
	a.t.Helper()

	if err != nil {
		a.t.Fatalf("%s: %v", msg, err)
	}
}

// Equal asserts that two values are equal
func (a *Assertions) Equal(expected, actual interface{}, msg string) {
	a.t.Helper()

	if expected != actual {
		a.t.Fatalf("%s: expected %v, got %v", msg, expected, actual)
	}
}
