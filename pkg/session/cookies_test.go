package session

import (
	"testing"

	"github.com/esbmeter/esbmeter/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCookieString(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []types.Cookie
	}{
		{"simple", "a=1; b=2", []types.Cookie{{Name: "a", Value: "1"}, {Name: "b", Value: "2"}}},
		{"prefix", "Cookie: a=1", []types.Cookie{{Name: "a", Value: "1"}}},
		{"lowercase prefix", "  cookie:a=1;", []types.Cookie{{Name: "a", Value: "1"}}},
		{"quoted", `x="y z"`, []types.Cookie{{Name: "x", Value: "y z"}}},
		{"empty segments", ";; a=1 ;; ;b=", []types.Cookie{{Name: "a", Value: "1"}, {Name: "b", Value: ""}}},
		{"value with equals", "tok=abc==", []types.Cookie{{Name: "tok", Value: "abc=="}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCookieString(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCookieStringInvalid(t *testing.T) {
	for _, raw := range []string{
		"",
		"Cookie:",
		"; ;",
		"justtext",
		"=1",
		"a b=1",
		"a=1; broken",
		"a=\x01",
	} {
		_, err := ParseCookieString(raw)
		assert.ErrorIs(t, err, ErrInvalidCookieFormat, "input %q", raw)
	}
}
