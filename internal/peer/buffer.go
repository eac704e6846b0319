package peer

import "sync"

// CandidateFailure records a candidate that could not be applied.
type CandidateFailure[C any] struct {
	Candidate C
	Err       error
}

// CandidateBuffer holds candidates until the session description they
// depend on is committed. Queued candidates are applied in arrival order on
// Commit. Candidates arriving after Commit are applied straight away. One
// failing candidate never blocks the rest.
type CandidateBuffer[C any] struct {
	apply func(C) error

	mu        sync.Mutex
	committed bool
	queue     []C
	failures  []CandidateFailure[C]
}

func NewCandidateBuffer[C any](apply func(C) error) *CandidateBuffer[C] {
	return &CandidateBuffer[C]{apply: apply}
}

// Add applies c if the description is committed, otherwise queues it.
// It reports whether c was applied now and the apply error, if any.
func (b *CandidateBuffer[C]) Add(c C) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.committed {
		b.queue = append(b.queue, c)
		return false, nil
	}
	return true, b.applyLocked(c)
}

// Commit marks the description as committed and drains the queue. It
// returns the errors of candidates that failed, in queue order.
func (b *CandidateBuffer[C]) Commit() []error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.committed = true
	queue := b.queue
	b.queue = nil

	var errs []error
	for _, c := range queue {
		if err := b.applyLocked(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Reset discards queued candidates and failures for a new session. The
// next description has to be committed again.
func (b *CandidateBuffer[C]) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.committed = false
	b.queue = nil
	b.failures = nil
}

func (b *CandidateBuffer[C]) Committed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.committed
}

func (b *CandidateBuffer[C]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

func (b *CandidateBuffer[C]) Failures() []CandidateFailure[C] {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]CandidateFailure[C], len(b.failures))
	copy(out, b.failures)
	return out
}

func (b *CandidateBuffer[C]) applyLocked(c C) error {
	err := b.apply(c)
	if err != nil {
		b.failures = append(b.failures, CandidateFailure[C]{Candidate: c, Err: err})
	}
	return err
}
