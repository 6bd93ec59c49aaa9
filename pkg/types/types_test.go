package types

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidMPRN(t *testing.T) {
	assert.True(t, ValidMPRN("10012345678"))
	assert.False(t, ValidMPRN("1001234567"))
	assert.False(t, ValidMPRN("100123456789"))
	assert.False(t, ValidMPRN("1001234567a"))
	assert.False(t, ValidMPRN(""))
	assert.False(t, ValidMPRN("１0012345678"))
}

func TestCredentialsValidate(t *testing.T) {
	good := Credentials{Username: "a@b.ie", Password: "pw", MPRN: "10012345678"}
	require.NoError(t, good.Validate())

	for name, c := range map[string]Credentials{
		"no username": {Password: "pw", MPRN: "10012345678"},
		"no password": {Username: "a@b.ie", MPRN: "10012345678"},
		"short mprn":  {Username: "a@b.ie", Password: "pw", MPRN: "123"},
	} {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, c.Validate(), ErrInvalidCredentials)
		})
	}
}

func TestCredentialsHidePassword(t *testing.T) {
	c := Credentials{Username: "a@b.ie", Password: "hunter2", MPRN: "10012345678"}
	assert.NotContains(t, c.String(), "hunter2")
	assert.NotContains(t, fmt.Sprint(c), "hunter2")
	assert.NotContains(t, c.LogValue().String(), "hunter2")
}

func TestAuthSessionExpired(t *testing.T) {
	now := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	s := &AuthSession{AcquiredAt: now.Add(-time.Hour)}
	assert.False(t, s.Expired(now, 2*time.Hour))
	assert.True(t, s.Expired(now, 30*time.Minute))

	s.ExpiresAt = now
	assert.True(t, s.Expired(now, 2*time.Hour))
}

func TestCookieConversion(t *testing.T) {
	in := []*http.Cookie{{Name: "a", Value: "1", Path: "/"}, {Name: "b", Value: "2"}}
	s := &AuthSession{Cookies: CookiesFromHTTP(in)}
	out := s.HTTPCookies()
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].Name)
	assert.Equal(t, "/", out[0].Path)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, s.CookieMap())
}

func TestSnapshotJSON(t *testing.T) {
	t.Run("no data", func(t *testing.T) {
		b, err := json.Marshal(Snapshot{MPRN: "10012345678", State: MeterStateIdle})
		require.NoError(t, err)
		var m map[string]any
		require.NoError(t, json.Unmarshal(b, &m))
		usage := m["usage"].(map[string]any)
		assert.Len(t, usage, len(AllWindows))
		assert.Nil(t, usage["today"])
		assert.Equal(t, false, m["hasData"])
	})

	t.Run("with data", func(t *testing.T) {
		b, err := json.Marshal(Snapshot{
			MPRN:    "10012345678",
			HasData: true,
			Usage:   Usage{WindowToday: 1.2},
		})
		require.NoError(t, err)
		var m map[string]any
		require.NoError(t, json.Unmarshal(b, &m))
		usage := m["usage"].(map[string]any)
		assert.Equal(t, 1.2, usage["today"])
		assert.Equal(t, 0.0, usage["last_30_days"])
	})
}
