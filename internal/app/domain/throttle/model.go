package throttle

import "time"

// WindowRecord is a fixed-window usage counter for one (tool, caller) pair.
// The window rotates lazily: the first claim at or past
// WindowStartedAt+window resets Count to zero and moves the window start.
type WindowRecord struct {
	ID              string
	Tool            string
	CallerHash      string
	Count           int
	WindowStartedAt time.Time
	LastUsedAt      time.Time
}

// Decision is the outcome of a claim attempt.
type Decision struct {
	Allowed      bool
	RecordID     string
	Remaining    int
	WindowEndsAt time.Time
}
