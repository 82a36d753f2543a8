package command

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/openclass/classroom/internal/domain"
)

var ErrEmptyPayload = errors.New("empty payload")

// envelope is the wire shape: {"t": tag, "v": payload, "r": channel}.
// "r" is optional routing info for unicast commands so the receiver
// knows which room channel the command belongs to.
type envelope struct {
	T string          `json:"t"`
	V json.RawMessage `json:"v"`
	R string          `json:"r,omitempty"`
}

// Encode serializes a command into its wire envelope. channelID may be
// empty for broadcast sends.
func Encode(cmd Command, channelID string) ([]byte, error) {
	var v any
	switch c := cmd.(type) {
	case DeviceState:
		v = c
	case RequestChannelStatus:
		v = c
	case RoomStatus:
		v = c.Status
	case ChannelStatus:
		v = c
	case RaiseHand:
		v = c.Raise
	case AcceptRaiseHand:
		v = c
	case CancelHandRaising:
		v = c.Cancel
	case BanText:
		v = c.Ban
	case Speak:
		v = c.Entries
	case ClassMode:
		v = c.Mode
	case Notice:
		v = c.Text
	case Undefined:
		v = c.Payload
	default:
		return nil, fmt.Errorf("encode: unsupported command %T", cmd)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", cmd.Tag(), err)
	}
	return json.Marshal(envelope{T: cmd.Tag(), V: raw, R: channelID})
}

// Decode parses a wire envelope back into a Command. A recognized tag
// with a malformed payload is an error; an unrecognized tag is not —
// it decodes to Undefined so a single newer peer cannot poison the
// pipeline. The channel id from "r" is returned alongside.
func Decode(data []byte) (Command, string, error) {
	if len(data) == 0 {
		return nil, "", ErrEmptyPayload
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, "", fmt.Errorf("decode envelope: %w", err)
	}
	cmd, err := decodePayload(env.T, env.V)
	if err != nil {
		return nil, "", err
	}
	return cmd, env.R, nil
}

func decodePayload(tag string, raw json.RawMessage) (Command, error) {
	switch tag {
	case TagDeviceState:
		var c DeviceState
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode %s: %w", tag, err)
		}
		return c, nil
	case TagRequestChannelStatus:
		var c RequestChannelStatus
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode %s: %w", tag, err)
		}
		return c, nil
	case TagRoomStatus:
		var s domain.Lifecycle
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode %s: %w", tag, err)
		}
		if !s.Valid() {
			return nil, fmt.Errorf("decode %s: unknown lifecycle %q", tag, s)
		}
		return RoomStatus{Status: s}, nil
	case TagChannelStatus:
		var c ChannelStatus
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode %s: %w", tag, err)
		}
		return c, nil
	case TagRaiseHand:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("decode %s: %w", tag, err)
		}
		return RaiseHand{Raise: b}, nil
	case TagAcceptRaiseHand:
		var c AcceptRaiseHand
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode %s: %w", tag, err)
		}
		return c, nil
	case TagCancelHandRaising:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("decode %s: %w", tag, err)
		}
		return CancelHandRaising{Cancel: b}, nil
	case TagBanText:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("decode %s: %w", tag, err)
		}
		return BanText{Ban: b}, nil
	case TagSpeak:
		var entries []SpeakEntry
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("decode %s: %w", tag, err)
		}
		return Speak{Entries: entries}, nil
	case TagClassMode:
		var m domain.Mode
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", tag, err)
		}
		if !m.Valid() {
			return nil, fmt.Errorf("decode %s: unknown mode %q", tag, m)
		}
		return ClassMode{Mode: m}, nil
	case TagNotice:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode %s: %w", tag, err)
		}
		return Notice{Text: s}, nil
	default:
		return Undefined{RawTag: tag, Payload: string(raw)}, nil
	}
}
