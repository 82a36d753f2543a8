package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusString(t *testing.T) {
	cases := []struct {
		status Status
		want   string
	}{
		{Status{}, ""},
		{Status{IsSpeaking: true}, "S"},
		{Status{IsRaisingHand: true}, "R"},
		{Status{IsSpeaking: true, Camera: true, Mic: true}, "SCM"},
		{Status{IsSpeaking: true, IsRaisingHand: true, Camera: true, Mic: true}, "SRCM"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, EncodeStatus(c.status))
		assert.Equal(t, c.status, ParseStatus(c.want))
	}
}

func TestParseStatusIgnoresUnknownFlags(t *testing.T) {
	got := ParseStatus("SXMZ")
	assert.Equal(t, Status{IsSpeaking: true, Mic: true}, got)
}

func TestLifecycleTransitions(t *testing.T) {
	t.Run("legal", func(t *testing.T) {
		assert.True(t, LifecycleIdle.CanTransition(LifecycleStarted))
		assert.True(t, LifecycleStarted.CanTransition(LifecyclePaused))
		assert.True(t, LifecyclePaused.CanTransition(LifecycleStarted))
		assert.True(t, LifecycleStarted.CanTransition(LifecycleStopped))
		assert.True(t, LifecyclePaused.CanTransition(LifecycleStopped))
	})
	t.Run("illegal", func(t *testing.T) {
		assert.False(t, LifecycleIdle.CanTransition(LifecyclePaused))
		assert.False(t, LifecycleIdle.CanTransition(LifecycleStopped))
		assert.False(t, LifecycleStopped.CanTransition(LifecycleStarted))
		assert.False(t, LifecycleStopped.CanTransition(LifecycleStopped))
		assert.False(t, LifecycleStarted.CanTransition(LifecycleIdle))
	})
}

func TestNewUser(t *testing.T) {
	u, err := NewUser("p1", UserInfo{Name: "Ada"})
	require.NoError(t, err)
	assert.Equal(t, PeerID("p1"), u.ID)

	_, err = NewUser("p2", UserInfo{})
	assert.ErrorIs(t, err, ErrNameEmpty)
}
