package karaoke

import (
	"slices"

	"github.com/dkeye/karaoke/internal/domain"
)

// micSlot is the single exclusive singer slot plus its FIFO wait queue.
// Guarded by the owning Room's mutex.
type micSlot struct {
	singer domain.UserID
	queue  []domain.UserID
}

func (s *micSlot) Singer() (domain.UserID, bool) {
	return s.singer, s.singer != ""
}

// grant makes id the singer. The first grant wins; later ones are rejected.
func (s *micSlot) grant(id domain.UserID) error {
	if s.singer == id {
		return ErrAlreadySinging
	}
	if s.singer != "" {
		return ErrSlotTaken
	}
	s.singer = id
	s.dequeue(id)
	return nil
}

// release clears the slot if id holds it.
func (s *micSlot) release(id domain.UserID) error {
	if s.singer == "" || s.singer != id {
		return ErrNotOwner
	}
	s.singer = ""
	return nil
}

func (s *micSlot) enqueue(id domain.UserID) (int, error) {
	if s.singer == id {
		return 0, ErrAlreadySinging
	}
	if slices.Contains(s.queue, id) {
		return 0, ErrAlreadyQueued
	}
	s.queue = append(s.queue, id)
	return len(s.queue), nil
}

func (s *micSlot) dequeue(id domain.UserID) bool {
	i := slices.Index(s.queue, id)
	if i < 0 {
		return false
	}
	s.queue = slices.Delete(s.queue, i, i+1)
	return true
}

// next pops the queue head.
func (s *micSlot) next() (domain.UserID, bool) {
	if len(s.queue) == 0 {
		return "", false
	}
	id := s.queue[0]
	s.queue = slices.Delete(s.queue, 0, 1)
	return id, true
}

func (s *micSlot) Queue() []domain.UserID {
	return slices.Clone(s.queue)
}
