package message

import "sync"

// Log is the ordered, append-only display log of inbound payloads.
type Log struct {
	mu      sync.RWMutex
	entries []string
}

func NewLog() *Log {
	return &Log{}
}

func (l *Log) Append(payload string) {
	l.mu.Lock()
	l.entries = append(l.entries, payload)
	l.mu.Unlock()
}

// Entries returns a copy in arrival order.
func (l *Log) Entries() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Reset drops every entry. Called when the connection that fed the log goes away.
func (l *Log) Reset() {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
}
