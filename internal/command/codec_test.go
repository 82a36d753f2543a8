package command

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclass/classroom/internal/domain"
)

func TestEncodeEnvelopeShape(t *testing.T) {
	data, err := Encode(DeviceState{UserUUID: "u1", Camera: true}, "room-1")
	require.NoError(t, err)

	var env map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &env))
	assert.JSONEq(t, `"DeviceState"`, string(env["t"]))
	assert.JSONEq(t, `{"userUUID":"u1","camera":true,"mic":false}`, string(env["v"]))
	assert.JSONEq(t, `"room-1"`, string(env["r"]))
}

func TestEncodeOmitsEmptyChannel(t *testing.T) {
	data, err := Encode(RaiseHand{Raise: true}, "")
	require.NoError(t, err)

	var env map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &env))
	_, ok := env["r"]
	assert.False(t, ok)
}

func TestRoundTrip(t *testing.T) {
	cases := []Command{
		DeviceState{UserUUID: "u1", Camera: true, Mic: true},
		RequestChannelStatus{
			RoomUUID:  "r1",
			UserUUIDs: []string{"u2"},
			User:      ParticipantInfo{Name: "Ada", Mic: true},
		},
		RoomStatus{Status: domain.LifecycleStarted},
		ChannelStatus{
			BanMessage:      true,
			RoomStartStatus: domain.LifecyclePaused,
			ClassRoomMode:   domain.ModeLecture,
			UserStates:      map[string]string{"u1": "SCM"},
		},
		RaiseHand{Raise: true},
		AcceptRaiseHand{UserUUID: "u3", Accept: true},
		CancelHandRaising{Cancel: true},
		BanText{Ban: true},
		Speak{Entries: []SpeakEntry{{UserUUID: "u1", Speak: true}, {UserUUID: "u2"}}},
		ClassMode{Mode: domain.ModeInteraction},
		Notice{Text: "five minute break"},
	}
	for _, in := range cases {
		t.Run(in.Tag(), func(t *testing.T) {
			data, err := Encode(in, "chan")
			require.NoError(t, err)
			out, channel, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, "chan", channel)
			assert.Equal(t, in, out)
		})
	}
}

func TestDecodeUnknownTag(t *testing.T) {
	cmd, _, err := Decode([]byte(`{"t":"ShinyNewThing","v":{"x":1}}`))
	require.NoError(t, err)
	u, ok := cmd.(Undefined)
	require.True(t, ok)
	assert.Equal(t, "ShinyNewThing", u.RawTag)
	assert.JSONEq(t, `{"x":1}`, u.Payload)
}

func TestDecodeErrors(t *testing.T) {
	_, _, err := Decode(nil)
	assert.ErrorIs(t, err, ErrEmptyPayload)

	_, _, err = Decode([]byte(`not json`))
	assert.Error(t, err)

	// Known tag with a broken payload must fail, not degrade to Undefined.
	_, _, err = Decode([]byte(`{"t":"DeviceState","v":"nope"}`))
	assert.Error(t, err)

	_, _, err = Decode([]byte(`{"t":"RoomStatus","v":"Exploded"}`))
	assert.Error(t, err)
}
