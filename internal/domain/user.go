// Package domain contains entities without behaviour, just meta-data.
package domain

import (
	"errors"
	"strings"
)

const MaxNameLen = 64

var (
	ErrNameTooLong = errors.New("name too long")
	ErrNameEmpty   = errors.New("name empty")
)

// PeerID is the stable messaging identity of a participant.
type PeerID string

// UserInfo is display meta-data resolved through the room backend.
type UserInfo struct {
	Name      string `json:"name"`
	AvatarURL string `json:"avatarURL"`
}

// Status is the per-user mutable state every peer keeps in sync.
type Status struct {
	IsSpeaking    bool
	IsRaisingHand bool
	Camera        bool
	Mic           bool
}

// EncodeStatus packs a Status into the compact flag string carried
// inside channel-status snapshots, e.g. "SCM" for a speaking user
// with camera and mic on.
func EncodeStatus(s Status) string {
	var b strings.Builder
	if s.IsSpeaking {
		b.WriteByte('S')
	}
	if s.IsRaisingHand {
		b.WriteByte('R')
	}
	if s.Camera {
		b.WriteByte('C')
	}
	if s.Mic {
		b.WriteByte('M')
	}
	return b.String()
}

// ParseStatus is the inverse of EncodeStatus. Unknown flag characters
// are ignored so newer peers may extend the string.
func ParseStatus(raw string) Status {
	return Status{
		IsSpeaking:    strings.ContainsRune(raw, 'S'),
		IsRaisingHand: strings.ContainsRune(raw, 'R'),
		Camera:        strings.ContainsRune(raw, 'C'),
		Mic:           strings.ContainsRune(raw, 'M'),
	}
}

type User struct {
	ID        PeerID `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarURL"`
	Status    Status `json:"-"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in callers.
func NewUser(id PeerID, info UserInfo) (*User, error) {
	if info.Name == "" {
		return nil, ErrNameEmpty
	}
	if len(info.Name) > MaxNameLen {
		return nil, ErrNameTooLong
	}
	return &User{ID: id, Name: info.Name, AvatarURL: info.AvatarURL}, nil
}
