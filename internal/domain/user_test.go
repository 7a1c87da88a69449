package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUser_SetUsername(t *testing.T) {
	u := &User{ID: "u1", Username: "guest"}

	assert.ErrorIs(t, u.SetUsername("   "), ErrUsernameEmpty)
	assert.ErrorIs(t, u.SetUsername(strings.Repeat("a", MaxUsernameLen+1)), ErrUsernameTooLong)
	assert.Equal(t, "guest", u.Username)

	assert.NoError(t, u.SetUsername("  mic drop "))
	assert.Equal(t, "mic drop", u.Username)
}

func TestValidScore(t *testing.T) {
	for s := -1; s <= 7; s++ {
		assert.Equal(t, s >= 1 && s <= 5, ValidScore(s), "score %d", s)
	}
}

func TestNormalizeRoomID(t *testing.T) {
	assert.Equal(t, RoomID("lounge"), NormalizeRoomID(" lounge "))
	assert.Len(t, string(NormalizeRoomID(strings.Repeat("x", 80))), MaxRoomIDLen)
}
