package remote

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/tbourn/physio-sync/internal/domain"
)

// MemorySink is an in-process collaborator that dedupes on the record id. It
// counts raw calls separately from distinct records, which is what
// redelivery tests assert on.
type MemorySink struct {
	mu       sync.Mutex
	byID     map[string]string
	received []domain.Submission
	calls    int
	failures []error
	failAll  error
}

// NewMemorySink returns an empty sink that accepts everything.
func NewMemorySink() *MemorySink {
	return &MemorySink{byID: make(map[string]string)}
}

// FailNext makes the next len(errs) calls fail with errs, in order.
func (m *MemorySink) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// FailAll makes every call fail with err until cleared with nil.
func (m *MemorySink) FailAll(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAll = err
}

// Submit stores s once per id and acknowledges every call for a known id
// with the same remote id.
func (m *MemorySink) Submit(ctx context.Context, s domain.Submission) (domain.Ack, error) {
	if err := ctx.Err(); err != nil {
		return domain.Ack{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return domain.Ack{}, err
	}
	if m.failAll != nil {
		return domain.Ack{}, m.failAll
	}

	if rid, ok := m.byID[s.ID]; ok {
		return domain.Ack{RemoteID: rid, Replayed: true}, nil
	}
	rid := uuid.NewString()
	m.byID[s.ID] = rid
	m.received = append(m.received, s)
	return domain.Ack{RemoteID: rid}, nil
}

// Calls returns the number of Submit calls, including failed ones.
func (m *MemorySink) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Distinct returns the number of distinct records stored.
func (m *MemorySink) Distinct() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// Received returns the stored submissions in arrival order.
func (m *MemorySink) Received() []domain.Submission {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Submission, len(m.received))
	copy(out, m.received)
	return out
}
