package fingerprint

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromUserAgent(t *testing.T) {
	tests := []struct {
		name     string
		ua       string
		family   Family
		platform string
		major    int
		mobile   bool
	}{
		{"chrome windows", userAgents[0], FamilyChrome, "Windows", 121, false},
		{"edge", userAgents[7], FamilyEdge, "Windows", 121, false},
		{"firefox linux", userAgents[13], FamilyFirefox, "Linux", 122, false},
		{"safari mac", userAgents[15], FamilySafari, "macOS", 17, false},
		{"safari iphone", userAgents[17], FamilySafari, "iOS", 17, true},
		{"opera", userAgents[19], FamilyOpera, "Windows", 120, false},
		{"vivaldi", userAgents[22], FamilyVivaldi, "Windows", 120, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := FromUserAgent(tt.ua, "en-IE,en;q=0.9")
			assert.Equal(t, tt.family, p.Family)
			assert.Equal(t, tt.platform, p.Platform)
			assert.Equal(t, tt.major, p.MajorVersion)
			assert.Equal(t, tt.mobile, p.Mobile)
		})
	}
}

func TestHeadersConsistentWithFamily(t *testing.T) {
	t.Run("chromium sends client hints", func(t *testing.T) {
		p := FromUserAgent(userAgents[7], "en-GB,en;q=0.9")
		h := p.Headers(Navigate)
		assert.Equal(t, p.UserAgent, h.Get("User-Agent"))
		assert.Equal(t, "en-GB,en;q=0.9", h.Get("Accept-Language"))
		assert.Contains(t, h.Get("Sec-CH-UA"), `"Microsoft Edge";v="121"`)
		assert.Contains(t, h.Get("Sec-CH-UA"), `"Chromium";v="121"`)
		assert.Equal(t, `"Windows"`, h.Get("Sec-CH-UA-Platform"))
		assert.Equal(t, "?0", h.Get("Sec-CH-UA-Mobile"))
		assert.Equal(t, "navigate", h.Get("Sec-Fetch-Mode"))
	})

	t.Run("firefox does not", func(t *testing.T) {
		p := FromUserAgent(userAgents[10], "")
		h := p.Headers(XHR)
		assert.Empty(t, h.Get("Sec-CH-UA"))
		assert.Equal(t, "XMLHttpRequest", h.Get("X-Requested-With"))
		assert.Equal(t, "cors", h.Get("Sec-Fetch-Mode"))
		assert.Equal(t, acceptLanguages[0], h.Get("Accept-Language"))
	})

	t.Run("cors", func(t *testing.T) {
		h := FromUserAgent(userAgents[15], "en-IE").Headers(CORS)
		assert.Equal(t, "*/*", h.Get("Accept"))
		assert.Equal(t, "empty", h.Get("Sec-Fetch-Dest"))
	})
}

func TestSelectorPick(t *testing.T) {
	s := NewSelector(rand.NewPCG(1, 2))
	seen := map[string]bool{}
	for range 200 {
		p := s.Pick()
		require.NotEmpty(t, p.UserAgent)
		require.Contains(t, userAgents, p.UserAgent)
		require.Contains(t, acceptLanguages, p.AcceptLanguage)
		require.NotEqual(t, FamilyUnknown, p.Family)
		seen[p.UserAgent] = true
	}
	assert.Greater(t, len(seen), 1, "selection should vary between attempts")
	assert.Equal(t, len(userAgents), s.Size())

	// Same seed gives the same sequence.
	a := NewSelector(rand.NewPCG(7, 7)).Pick()
	b := NewSelector(rand.NewPCG(7, 7)).Pick()
	assert.Equal(t, a, b)
}
