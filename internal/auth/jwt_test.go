package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-at-least-32-chars!!!"

func TestManager_GenerateAndValidate(t *testing.T) {
	mgr := NewManager(testSecret, time.Hour)

	t.Run("round trip", func(t *testing.T) {
		token, err := mgr.Generate("user-123")
		require.NoError(t, err)
		assert.NotEmpty(t, token)

		subject, err := mgr.Validate(token)
		require.NoError(t, err)
		assert.Equal(t, "user-123", subject)
	})

	t.Run("garbage fails", func(t *testing.T) {
		_, err := mgr.Validate("not-a-token")
		assert.Error(t, err)
	})

	t.Run("wrong secret fails", func(t *testing.T) {
		token, err := mgr.Generate("user-123")
		require.NoError(t, err)

		other := NewManager("another-secret-also-32-chars!!!!", time.Hour)
		_, err = other.Validate(token)
		assert.Error(t, err)
	})

	t.Run("expired token fails", func(t *testing.T) {
		expired := NewManager(testSecret, -time.Minute)
		token, err := expired.Generate("user-123")
		require.NoError(t, err)

		_, err = expired.Validate(token)
		assert.Error(t, err)
	})

	t.Run("tampered token fails", func(t *testing.T) {
		token, err := mgr.Generate("user-123")
		require.NoError(t, err)

		_, err = mgr.Validate(token + "x")
		assert.Error(t, err)
	})
}
