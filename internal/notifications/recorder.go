package notifications

import (
	"context"
	"slices"
	"sync"

	"github.com/yecday/registration/internal/model"
)

// Recorder observes every email that was durably queued.
type Recorder interface {
	Record(ctx context.Context, entry model.EmailOutboxEntry)
}

type NopRecorder struct{}

func (NopRecorder) Record(context.Context, model.EmailOutboxEntry) {}

// MemoryRecorder keeps recorded entries for assertions in tests.
type MemoryRecorder struct {
	mu      sync.Mutex
	entries []model.EmailOutboxEntry
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (r *MemoryRecorder) Record(_ context.Context, entry model.EmailOutboxEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
}

func (r *MemoryRecorder) Entries() []model.EmailOutboxEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.entries)
}

func (r *MemoryRecorder) ByTemplate(tmpl model.EmailTemplate) []model.EmailOutboxEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []model.EmailOutboxEntry
	for _, e := range r.entries {
		if e.Template == tmpl {
			out = append(out, e)
		}
	}
	return out
}

func (r *MemoryRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
}
