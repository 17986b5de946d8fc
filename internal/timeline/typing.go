package timeline

import (
	"sort"
	"time"
)

// DefaultTypingTimeout is how long a typing indication lives without a
// following real message.
const DefaultTypingTimeout = 15 * time.Second

// TypingRegistry tracks remote publishers that are currently typing. Each
// entry carries its own deadline; time is passed in so callers control the
// clock.
type TypingRegistry struct {
	timeout   time.Duration
	deadlines map[string]time.Time
}

// NewTypingRegistry creates a registry whose entries expire after timeout.
func NewTypingRegistry(timeout time.Duration) *TypingRegistry {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	return &TypingRegistry{
		timeout:   timeout,
		deadlines: make(map[string]time.Time),
	}
}

// Timeout returns the configured expiry.
func (r *TypingRegistry) Timeout() time.Duration { return r.timeout }

// Start marks publisher as typing from now and returns the expiry deadline.
// A repeated start pushes the deadline out.
func (r *TypingRegistry) Start(publisher string, now time.Time) time.Time {
	deadline := now.Add(r.timeout)
	r.deadlines[publisher] = deadline
	return deadline
}

// Stop removes publisher. It reports whether an entry existed.
func (r *TypingRegistry) Stop(publisher string) bool {
	if _, ok := r.deadlines[publisher]; !ok {
		return false
	}
	delete(r.deadlines, publisher)
	return true
}

// Expire drops every entry whose deadline is at or before now and returns
// the removed publishers.
func (r *TypingRegistry) Expire(now time.Time) []string {
	var removed []string
	for p, deadline := range r.deadlines {
		if !now.Before(deadline) {
			delete(r.deadlines, p)
			removed = append(removed, p)
		}
	}
	sort.Strings(removed)
	return removed
}

// Active returns the publishers still typing at now, sorted.
func (r *TypingRegistry) Active(now time.Time) []string {
	var out []string
	for p, deadline := range r.deadlines {
		if now.Before(deadline) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Len returns the number of tracked entries, expired or not.
func (r *TypingRegistry) Len() int { return len(r.deadlines) }

// Clear removes every entry.
func (r *TypingRegistry) Clear() {
	r.deadlines = make(map[string]time.Time)
}
