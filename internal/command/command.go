// Package command defines the closed set of room-channel commands and
// their wire codec. Every mutation a peer may broadcast or unicast is
// one of these payloads inside a {"t","v","r"} envelope.
package command

import "github.com/openclass/classroom/internal/domain"

// Wire tags. The set is closed on the sending side; decoding an
// unknown tag yields Undefined so newer peers never break older ones.
const (
	TagDeviceState          = "DeviceState"
	TagRequestChannelStatus = "RequestChannelStatus"
	TagRoomStatus           = "RoomStatus"
	TagChannelStatus        = "ChannelStatus"
	TagRaiseHand            = "RaiseHand"
	TagAcceptRaiseHand      = "AcceptRaiseHand"
	TagCancelHandRaising    = "CancelHandRaising"
	TagBanText              = "BanText"
	TagSpeak                = "Speak"
	TagClassMode            = "ClassMode"
	TagNotice               = "Notice"
	tagUndefined            = "undefined"
)

// Command is the closed union of room commands. Implementations are
// immutable value payloads; identity is content only.
type Command interface {
	Tag() string
}

// DeviceState is a full replacement of one user's device flags.
// Duplicate delivery is idempotent.
type DeviceState struct {
	UserUUID string `json:"userUUID"`
	Camera   bool   `json:"camera"`
	Mic      bool   `json:"mic"`
}

func (DeviceState) Tag() string { return TagDeviceState }

// ParticipantInfo is the requestor's own state embedded in a
// RequestChannelStatus, letting the responder register the newcomer.
type ParticipantInfo struct {
	Name    string `json:"name"`
	Camera  bool   `json:"camera"`
	Mic     bool   `json:"mic"`
	IsSpeak bool   `json:"isSpeak"`
}

// RequestChannelStatus asks the peers listed in UserUUIDs for a full
// state snapshot. Responding is conditional on being targeted, not on
// identity, so concurrent joiners may each pick different responders.
type RequestChannelStatus struct {
	RoomUUID  string          `json:"roomUUID"`
	UserUUIDs []string        `json:"userUUIDs"`
	User      ParticipantInfo `json:"user"`
}

func (RequestChannelStatus) Tag() string { return TagRequestChannelStatus }

// RoomStatus announces a lifecycle transition.
type RoomStatus struct {
	Status domain.Lifecycle
}

func (RoomStatus) Tag() string { return TagRoomStatus }

// ChannelStatus is the reconciliation snapshot. UserStates values are
// compact status strings (see domain.EncodeStatus).
type ChannelStatus struct {
	BanMessage      bool              `json:"banMessage"`
	RoomStartStatus domain.Lifecycle  `json:"roomStartStatus"`
	ClassRoomMode   domain.Mode       `json:"classRoomMode"`
	UserStates      map[string]string `json:"userStates"`
}

func (ChannelStatus) Tag() string { return TagChannelStatus }

// RaiseHand toggles the sender's own raised hand.
type RaiseHand struct {
	Raise bool
}

func (RaiseHand) Tag() string { return TagRaiseHand }

// AcceptRaiseHand is the owner accepting (or revoking) a raised hand.
type AcceptRaiseHand struct {
	UserUUID string `json:"userUUID"`
	Accept   bool   `json:"accept"`
}

func (AcceptRaiseHand) Tag() string { return TagAcceptRaiseHand }

// CancelHandRaising clears every raised hand in the room.
type CancelHandRaising struct {
	Cancel bool
}

func (CancelHandRaising) Tag() string { return TagCancelHandRaising }

// BanText toggles the chat ban flag.
type BanText struct {
	Ban bool
}

func (BanText) Tag() string { return TagBanText }

// SpeakEntry sets one user's speaking state; false also implies the
// user's devices go dark on every peer.
type SpeakEntry struct {
	UserUUID string `json:"userUUID"`
	Speak    bool   `json:"speak"`
}

// Speak carries one or more speaking-state changes.
type Speak struct {
	Entries []SpeakEntry
}

func (Speak) Tag() string { return TagSpeak }

// ClassMode switches between lecture and interaction mode.
type ClassMode struct {
	Mode domain.Mode
}

func (ClassMode) Tag() string { return TagClassMode }

// Notice is a free-text announcement from the owner.
type Notice struct {
	Text string
}

func (Notice) Tag() string { return TagNotice }

// Undefined carries any payload whose tag this peer does not know.
// It is logged and otherwise ignored.
type Undefined struct {
	RawTag  string
	Payload string
}

func (Undefined) Tag() string { return tagUndefined }
