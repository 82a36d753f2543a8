package domain

type (
	RoomName string
	RoomID   string
)

// Lifecycle is the coarse session state of a room. It is monotone
// except for the Started/Paused cycle; Stopped is terminal.
type Lifecycle string

const (
	LifecycleIdle    Lifecycle = "Idle"
	LifecycleStarted Lifecycle = "Started"
	LifecyclePaused  Lifecycle = "Paused"
	LifecycleStopped Lifecycle = "Stopped"
)

// CanTransition reports whether moving from l to next is a legal
// lifecycle step for an owner request.
func (l Lifecycle) CanTransition(next Lifecycle) bool {
	switch next {
	case LifecycleStarted:
		return l == LifecycleIdle || l == LifecyclePaused
	case LifecyclePaused:
		return l == LifecycleStarted
	case LifecycleStopped:
		return l == LifecycleStarted || l == LifecyclePaused
	}
	return false
}

func (l Lifecycle) Valid() bool {
	switch l {
	case LifecycleIdle, LifecycleStarted, LifecyclePaused, LifecycleStopped:
		return true
	}
	return false
}

// Mode controls whether students may interact freely or only when
// brought on stage.
type Mode string

const (
	ModeLecture     Mode = "Lecture"
	ModeInteraction Mode = "Interaction"
)

func (m Mode) Valid() bool { return m == ModeLecture || m == ModeInteraction }

// RoomState is the shared classroom state every peer converges on.
type RoomState struct {
	RoomID         RoomID
	OwnerID        PeerID
	Lifecycle      Lifecycle
	Mode           Mode
	MessagesBanned bool
	MaxOnStage     int
}
