package queue

import (
	"sync"
	"time"

	"github.com/questline/questline-client/questClient/descriptor"
)

// Status is the queue-side state of an entry.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusSubmitting Status = "SUBMITTING"
	StatusSubmitted  Status = "SUBMITTED"
	StatusFailed     Status = "FAILED"
	StatusCanceled   Status = "CANCELED"
)

// IsFinal reports whether the entry has left the queue for good.
func (s Status) IsFinal() bool {
	return s == StatusSubmitted || s == StatusFailed || s == StatusCanceled
}

// Entry wraps one enqueued call. Callers get a handle with read-only
// accessors; all mutation happens inside the queue.
type Entry struct {
	descriptor descriptor.CallDescriptor
	enqueuedAt time.Time
	seq        uint64
	index      int

	mu       sync.Mutex
	status   Status
	attempts int
	hash     string
	err      error
	done     chan struct{}
}

func newEntry(d descriptor.CallDescriptor, seq uint64, now time.Time) *Entry {
	return &Entry{
		descriptor: d,
		enqueuedAt: now,
		seq:        seq,
		index:      -1,
		status:     StatusPending,
		done:       make(chan struct{}),
	}
}

// ID returns the descriptor ID assigned at enqueue time.
func (e *Entry) ID() string { return e.descriptor.ID }

// Descriptor returns a copy of the enqueued call.
func (e *Entry) Descriptor() descriptor.CallDescriptor { return e.descriptor.Clone() }

func (e *Entry) EnqueuedAt() time.Time { return e.enqueuedAt }

func (e *Entry) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Entry) Attempts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts
}

// Done is closed once the entry reaches Submitted, Failed or Canceled.
func (e *Entry) Done() <-chan struct{} { return e.done }

// Result returns the transaction hash on success or the terminal error.
// Both are empty while the entry is still pending.
func (e *Entry) Result() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hash, e.err
}

// Snapshot is a serializable view of an entry.
type Snapshot struct {
	ID          string    `json:"id"`
	Target      string    `json:"target"`
	Method      string    `json:"method"`
	Priority    string    `json:"priority"`
	Description string    `json:"description,omitempty"`
	Status      Status    `json:"status"`
	Attempts    int       `json:"attempts"`
	Hash        string    `json:"hash,omitempty"`
	Error       string    `json:"error,omitempty"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

func (e *Entry) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Snapshot{
		ID:          e.descriptor.ID,
		Target:      e.descriptor.Target,
		Method:      e.descriptor.Method.String(),
		Priority:    e.descriptor.Priority.String(),
		Description: e.descriptor.Description,
		Status:      e.status,
		Attempts:    e.attempts,
		Hash:        e.hash,
		EnqueuedAt:  e.enqueuedAt,
	}
	if e.err != nil {
		s.Error = e.err.Error()
	}
	return s
}

func (e *Entry) markSubmitting() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = StatusSubmitting
	e.attempts++
}

// finish moves the entry to a final status and releases Done waiters.
// Only the first call has any effect.
func (e *Entry) finish(status Status, hash string, err error) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status.IsFinal() {
		return false
	}
	e.status = status
	e.hash = hash
	e.err = err
	close(e.done)
	return true
}

// entryHeap orders by priority (high first), then by enqueue sequence.
type entryHeap []*Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].descriptor.Priority != h[j].descriptor.Priority {
		return h[i].descriptor.Priority > h[j].descriptor.Priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*Entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
