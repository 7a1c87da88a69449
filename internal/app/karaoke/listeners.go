package karaoke

import (
	"slices"

	"github.com/dkeye/karaoke/internal/domain"
)

// listenerSet is the Listener Registry of one room. Join order is kept for
// stable snapshots. Guarded by the owning Room's mutex.
type listenerSet struct {
	order []domain.UserID
	index map[domain.UserID]struct{}
}

func newListenerSet() *listenerSet {
	return &listenerSet{index: make(map[domain.UserID]struct{})}
}

// join is idempotent; it reports whether id was newly added.
func (l *listenerSet) join(id domain.UserID) bool {
	if _, ok := l.index[id]; ok {
		return false
	}
	l.index[id] = struct{}{}
	l.order = append(l.order, id)
	return true
}

// leave is idempotent; it reports whether id was present.
func (l *listenerSet) leave(id domain.UserID) bool {
	if _, ok := l.index[id]; !ok {
		return false
	}
	delete(l.index, id)
	if i := slices.Index(l.order, id); i >= 0 {
		l.order = slices.Delete(l.order, i, i+1)
	}
	return true
}

func (l *listenerSet) has(id domain.UserID) bool {
	_, ok := l.index[id]
	return ok
}

func (l *listenerSet) len() int { return len(l.order) }

// snapshot returns listeners in join order, skipping except.
func (l *listenerSet) snapshot(except domain.UserID) []domain.UserID {
	out := make([]domain.UserID, 0, len(l.order))
	for _, id := range l.order {
		if id == except {
			continue
		}
		out = append(out, id)
	}
	return out
}
