package session

import "sync"

// Snapshot is the state of the UI indicators at one point in time.
type Snapshot struct {
	WritePending     bool `json:"write_pending"`
	CommitInProgress bool `json:"commit_in_progress"`
}

// Indicators holds the flags the UI shows while editing: whether the main
// edit has uncommitted writes, and whether a commit is running. They carry
// no coordination meaning.
//
// Thread-safety: all methods are safe for concurrent use. Listeners are
// called outside the lock, on the goroutine that made the change.
type Indicators struct {
	mu        sync.Mutex
	state     Snapshot
	listeners []func(Snapshot)
}

// Snapshot returns the current state.
func (i *Indicators) Snapshot() Snapshot {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// WritePending reports whether the main edit has uncommitted writes.
func (i *Indicators) WritePending() bool {
	return i.Snapshot().WritePending
}

// CommitInProgress reports whether a commit sequence is running.
func (i *Indicators) CommitInProgress() bool {
	return i.Snapshot().CommitInProgress
}

// SetWritePending sets the write pending flag.
func (i *Indicators) SetWritePending(v bool) {
	i.update(func(s *Snapshot) { s.WritePending = v })
}

// SetCommitInProgress sets the commit in progress flag.
func (i *Indicators) SetCommitInProgress(v bool) {
	i.update(func(s *Snapshot) { s.CommitInProgress = v })
}

// OnChange registers fn to be called after every change.
func (i *Indicators) OnChange(fn func(Snapshot)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.listeners = append(i.listeners, fn)
}

func (i *Indicators) update(mutate func(*Snapshot)) {
	i.mu.Lock()
	before := i.state
	mutate(&i.state)
	after := i.state
	listeners := append([]func(Snapshot){}, i.listeners...)
	i.mu.Unlock()

	if before == after {
		return
	}
	for _, fn := range listeners {
		fn(after)
	}
}
