package karaoke

import (
	"fmt"

	"github.com/dkeye/karaoke/internal/domain"
)

var transitions = map[domain.Phase][]domain.Phase{
	domain.PhaseIdle:    {domain.PhaseSinging},
	domain.PhaseSinging: {domain.PhaseScoring, domain.PhaseIdle},
	domain.PhaseScoring: {domain.PhaseIdle},
}

// phaseMachine holds the room phase and rejects transitions not listed above.
type phaseMachine struct {
	current domain.Phase
}

func newPhaseMachine() phaseMachine {
	return phaseMachine{current: domain.PhaseIdle}
}

func (p *phaseMachine) Is(ph domain.Phase) bool { return p.current == ph }

func (p *phaseMachine) Current() domain.Phase { return p.current }

func (p *phaseMachine) transition(to domain.Phase) error {
	for _, allowed := range transitions[p.current] {
		if allowed == to {
			p.current = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrPhaseMismatch, p.current, to)
}

// require fails with ErrPhaseMismatch unless the machine is in ph.
func (p *phaseMachine) require(ph domain.Phase) error {
	if p.current != ph {
		return fmt.Errorf("%w: in %s, need %s", ErrPhaseMismatch, p.current, ph)
	}
	return nil
}
