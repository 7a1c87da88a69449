package karaoke

import (
	"github.com/dkeye/karaoke/internal/domain"
)

// scoreboard collects one score per listener for the active turn.
type scoreboard struct {
	scores map[domain.UserID]int
}

func newScoreboard() scoreboard {
	return scoreboard{scores: make(map[domain.UserID]int)}
}

// submit stores score for id; a second submission is rejected and leaves the
// stored value untouched.
func (b *scoreboard) submit(id domain.UserID, score int) error {
	if !domain.ValidScore(score) {
		return ErrInvalidScore
	}
	if _, ok := b.scores[id]; ok {
		return ErrAlreadyScored
	}
	b.scores[id] = score
	return nil
}

func (b *scoreboard) has(id domain.UserID) bool {
	_, ok := b.scores[id]
	return ok
}

func (b *scoreboard) count() int { return len(b.scores) }

// coversAll reports whether every id in expected has scored.
// An empty expected set never counts as covered.
func (b *scoreboard) coversAll(expected []domain.UserID) bool {
	if len(expected) == 0 {
		return false
	}
	for _, id := range expected {
		if !b.has(id) {
			return false
		}
	}
	return true
}

// tally returns the mean and count of accepted scores (0, 0 when empty).
func (b *scoreboard) tally() (float64, int) {
	if len(b.scores) == 0 {
		return 0, 0
	}
	sum := 0
	for _, s := range b.scores {
		sum += s
	}
	return float64(sum) / float64(len(b.scores)), len(b.scores)
}

func (b *scoreboard) reset() {
	clear(b.scores)
}
