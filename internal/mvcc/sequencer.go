package mvcc

// Sequencer owns the global commit-identity counter. It is deliberately not
// safe for concurrent use: the engine passes it into the commit path only,
// and the single-writer invariant serializes every call to Next. Commit
// identities start at 1, increase strictly, and are never recycled or
// pre-assigned.
type Sequencer struct {
	last uint64
}

// NewSequencer creates a sequencer resuming after last.
func NewSequencer(last uint64) *Sequencer {
	return &Sequencer{last: last}
}

// Next assigns and returns the next commit identity.
func (s *Sequencer) Next() uint64 {
	s.last++
	return s.last
}

// Current returns the last assigned commit identity.
func (s *Sequencer) Current() uint64 {
	return s.last
}
