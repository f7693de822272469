package coordinator

import (
	"sync"
	"time"
)

// AuditEntry is one activity line.
type AuditEntry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// AuditLog keeps the most recent activity lines in a fixed-size ring.
type AuditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
	next    int
	full    bool
	unsub   func()
}

const defaultAuditSize = 500

// NewAuditLog subscribes to log events on bus and retains the last size lines.
func NewAuditLog(bus *EventBus, size int) *AuditLog {
	if size <= 0 {
		size = defaultAuditSize
	}
	a := &AuditLog{entries: make([]AuditEntry, size)}
	a.unsub = bus.On(EventLog, a.record)
	return a
}

func (a *AuditLog) record(e Event) {
	data, ok := e.Data.(map[string]interface{})
	if !ok {
		return
	}
	entry := AuditEntry{}
	entry.Message, _ = data["message"].(string)
	if ts, ok := data["time"].(time.Time); ok {
		entry.Time = ts
	} else {
		entry.Time = time.Now()
	}

	a.mu.Lock()
	a.entries[a.next] = entry
	a.next = (a.next + 1) % len(a.entries)
	if a.next == 0 {
		a.full = true
	}
	a.mu.Unlock()
}

// Recent returns up to limit lines, oldest first. limit <= 0 returns all.
func (a *AuditLog) Recent(limit int) []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	var ordered []AuditEntry
	if a.full {
		ordered = make([]AuditEntry, 0, len(a.entries))
		ordered = append(ordered, a.entries[a.next:]...)
		ordered = append(ordered, a.entries[:a.next]...)
	} else {
		ordered = append(make([]AuditEntry, 0, a.next), a.entries[:a.next]...)
	}
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered
}

// Close stops recording.
func (a *AuditLog) Close() {
	a.unsub()
}
