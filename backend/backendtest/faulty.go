package backendtest

import (
	"context"
	"sync"

	"go.snapstore.dev/core/backend"
)

// Operation names of Faulty.
const (
	OpWriteSnapshot   = "WriteSnapshot"
	OpReadSnapshot    = "ReadSnapshot"
	OpListSnapshotIDs = "ListSnapshotIDs"
	OpDeleteSnapshot  = "DeleteSnapshot"
	OpWritePointer    = "WritePointer"
	OpReadPointer     = "ReadPointer"
	OpDeletePointer   = "DeletePointer"
	OpWriteBackup     = "WriteBackup"
	OpCheckReady      = "CheckReady"
)

// Faulty wraps a Backend, counting calls of each operation and failing
// operations having an injected fault.
type Faulty struct {
	backend.Backend

	mu     sync.Mutex
	faults map[string]error
	calls  map[string]int
}

// NewFaulty returns a Faulty wrapping Backend |b|.
func NewFaulty(b backend.Backend) *Faulty {
	return &Faulty{
		Backend: b,
		faults:  make(map[string]error),
		calls:   make(map[string]int),
	}
}

// Fail injects |err| as the result of operation |op|. A nil |err| clears the fault.
func (f *Faulty) Fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err == nil {
		delete(f.faults, op)
	} else {
		f.faults[op] = err
	}
}

// Calls returns the number of invocations of operation |op|.
func (f *Faulty) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// ResetCalls zeros all call counts.
func (f *Faulty) ResetCalls() {
	f.mu.Lock()
	f.calls = make(map[string]int)
	f.mu.Unlock()
}

func (f *Faulty) enter(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	return f.faults[op]
}

func (f *Faulty) WriteSnapshot(ctx context.Context, id string, body []byte) error {
	if err := f.enter(OpWriteSnapshot); err != nil {
		return err
	}
	return f.Backend.WriteSnapshot(ctx, id, body)
}

func (f *Faulty) ReadSnapshot(ctx context.Context, id string) ([]byte, error) {
	if err := f.enter(OpReadSnapshot); err != nil {
		return nil, err
	}
	return f.Backend.ReadSnapshot(ctx, id)
}

func (f *Faulty) ListSnapshotIDs(ctx context.Context) ([]string, error) {
	if err := f.enter(OpListSnapshotIDs); err != nil {
		return nil, err
	}
	return f.Backend.ListSnapshotIDs(ctx)
}

func (f *Faulty) DeleteSnapshot(ctx context.Context, id string) error {
	if err := f.enter(OpDeleteSnapshot); err != nil {
		return err
	}
	return f.Backend.DeleteSnapshot(ctx, id)
}

func (f *Faulty) WritePointer(ctx context.Context, body []byte) error {
	if err := f.enter(OpWritePointer); err != nil {
		return err
	}
	return f.Backend.WritePointer(ctx, body)
}

func (f *Faulty) ReadPointer(ctx context.Context) ([]byte, error) {
	if err := f.enter(OpReadPointer); err != nil {
		return nil, err
	}
	return f.Backend.ReadPointer(ctx)
}

func (f *Faulty) DeletePointer(ctx context.Context) error {
	if err := f.enter(OpDeletePointer); err != nil {
		return err
	}
	return f.Backend.DeletePointer(ctx)
}

func (f *Faulty) WriteBackup(ctx context.Context, name string, body []byte) error {
	if err := f.enter(OpWriteBackup); err != nil {
		return err
	}
	return f.Backend.WriteBackup(ctx, name, body)
}

func (f *Faulty) CheckReady(ctx context.Context) error {
	if err := f.enter(OpCheckReady); err != nil {
		return err
	}
	return f.Backend.CheckReady(ctx)
}
