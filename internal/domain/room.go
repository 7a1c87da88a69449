package domain

type (
	RoomName string
	RoomID   string
)

type Room struct {
	ID   RoomID
	Name RoomName
}

// Phase is the room-wide karaoke coordination state.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseSinging Phase = "singing"
	PhaseScoring Phase = "scoring"
)

const (
	MinScore = 1
	MaxScore = 5
)

// ValidScore reports whether s is an acceptable listener score.
func ValidScore(s int) bool {
	return s >= MinScore && s <= MaxScore
}
