package classroom

import "errors"

var (
	// ErrNotOwner is returned when a non-owner requests an owner-only
	// mutation. Rejected locally, before any network send.
	ErrNotOwner = errors.New("operation requires room owner")
	// ErrStageFull means accepting one more user would exceed the
	// room's on-stage capacity. State is left untouched.
	ErrStageFull = errors.New("on-stage capacity reached")
	// ErrForceDeviceOn: only a peer itself may turn its devices on;
	// the owner may only force them off.
	ErrForceDeviceOn = errors.New("cannot force another peer's device on")
	// ErrInvalidTransition is a lifecycle step the state machine does
	// not allow (e.g. pausing an idle room).
	ErrInvalidTransition = errors.New("invalid lifecycle transition")

	ErrUnknownUser = errors.New("unknown user")
	ErrLeft        = errors.New("room left")
)
