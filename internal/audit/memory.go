package audit

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryLog is the in-memory trail used by tests and single-node setups.
type MemoryLog struct {
	mu   sync.RWMutex
	byID map[string][]Event
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{byID: make(map[string][]Event)}
}

// Append assigns ids and the next sequence numbers, then stores the events.
// The envelope store calls it while holding the envelope's lock, which keeps
// sequence assignment atomic with the state write it describes.
func (l *MemoryLog) Append(ctx context.Context, events ...Event) error {
	_ = ctx

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, e := range events {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		e.Seq = int64(len(l.byID[e.EnvelopeID]) + 1)
		l.byID[e.EnvelopeID] = append(l.byID[e.EnvelopeID], e)
	}
	return nil
}

func (l *MemoryLog) Read(ctx context.Context, envelopeID string) ([]Event, error) {
	_ = ctx

	l.mu.RLock()
	defer l.mu.RUnlock()

	src := l.byID[envelopeID]
	out := make([]Event, len(src))
	copy(out, src)

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Seq < out[j].Seq
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}
