// Package fingerprint picks a browser identity for a login attempt and
// derives request headers that agree with it.
package fingerprint

import (
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Family is the browser family of a user agent.
type Family string

const (
	FamilyChrome  Family = "chrome"
	FamilyEdge    Family = "edge"
	FamilyOpera   Family = "opera"
	FamilyBrave   Family = "brave"
	FamilyVivaldi Family = "vivaldi"
	FamilyFirefox Family = "firefox"
	FamilySafari  Family = "safari"
	FamilyUnknown Family = "unknown"
)

// Chromium reports whether the family sends client hint headers.
func (f Family) Chromium() bool {
	switch f {
	case FamilyChrome, FamilyEdge, FamilyOpera, FamilyBrave, FamilyVivaldi:
		return true
	}
	return false
}

// Kind selects the request style a header set is built for.
type Kind int

const (
	// Navigate is a top level document load.
	Navigate Kind = iota
	// CORS is a fetch() issued by page script.
	CORS
	// XHR is a jQuery style XMLHttpRequest posting a form.
	XHR
)

// Profile is one browser identity. It is immutable after selection.
type Profile struct {
	UserAgent      string
	AcceptLanguage string
	Platform       string
	Family         Family
	Mobile         bool
	MajorVersion   int
	brandVersion   int
}

// Headers returns the header set a browser matching p would send for a
// request of the given kind. Sec-Fetch-Site depends on the request target and
// is left to the caller.
func (p Profile) Headers(kind Kind) http.Header {
	h := make(http.Header)
	h.Set("User-Agent", p.UserAgent)
	h.Set("Accept-Language", p.AcceptLanguage)

	switch kind {
	case Navigate:
		if p.Family == FamilyFirefox {
			h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		} else {
			h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
		}
		h.Set("Upgrade-Insecure-Requests", "1")
		h.Set("Sec-Fetch-Dest", "document")
		h.Set("Sec-Fetch-Mode", "navigate")
	case CORS:
		h.Set("Accept", "*/*")
		h.Set("Sec-Fetch-Dest", "empty")
		h.Set("Sec-Fetch-Mode", "cors")
	case XHR:
		h.Set("Accept", "application/json, text/javascript, */*; q=0.01")
		h.Set("X-Requested-With", "XMLHttpRequest")
		h.Set("Sec-Fetch-Dest", "empty")
		h.Set("Sec-Fetch-Mode", "cors")
	}

	if p.Family.Chromium() {
		h.Set("Sec-CH-UA", p.clientHintBrands())
		if p.Mobile {
			h.Set("Sec-CH-UA-Mobile", "?1")
		} else {
			h.Set("Sec-CH-UA-Mobile", "?0")
		}
		h.Set("Sec-CH-UA-Platform", `"`+p.Platform+`"`)
	}
	return h
}

func (p Profile) clientHintBrands() string {
	brands := []string{
		`"Not A(Brand";v="99"`,
		fmt.Sprintf(`"Chromium";v="%d"`, p.MajorVersion),
	}
	switch p.Family {
	case FamilyChrome:
		brands = append(brands, fmt.Sprintf(`"Google Chrome";v="%d"`, p.MajorVersion))
	case FamilyEdge:
		brands = append(brands, fmt.Sprintf(`"Microsoft Edge";v="%d"`, p.brandVersion))
	case FamilyOpera:
		brands = append(brands, fmt.Sprintf(`"Opera";v="%d"`, p.brandVersion))
	case FamilyBrave:
		brands = append(brands, fmt.Sprintf(`"Brave";v="%d"`, p.brandVersion))
	}
	return strings.Join(brands, ", ")
}

// FromUserAgent rebuilds a profile from a stored user agent and language.
func FromUserAgent(ua, acceptLanguage string) Profile {
	p := Profile{
		UserAgent:      ua,
		AcceptLanguage: acceptLanguage,
		Family:         FamilyUnknown,
	}
	if p.AcceptLanguage == "" {
		p.AcceptLanguage = acceptLanguages[0]
	}

	switch {
	case strings.Contains(ua, "iPhone"), strings.Contains(ua, "iPad"):
		p.Platform = "iOS"
	case strings.Contains(ua, "Windows"):
		p.Platform = "Windows"
	case strings.Contains(ua, "Macintosh"):
		p.Platform = "macOS"
	case strings.Contains(ua, "Linux"):
		p.Platform = "Linux"
	default:
		p.Platform = "Unknown"
	}
	p.Mobile = strings.Contains(ua, "Mobile/")

	switch {
	case strings.Contains(ua, "Edg/"):
		p.Family = FamilyEdge
		p.brandVersion = majorAfter(ua, "Edg/")
	case strings.Contains(ua, "OPR/"):
		p.Family = FamilyOpera
		p.brandVersion = majorAfter(ua, "OPR/")
	case strings.Contains(ua, "Brave/"):
		p.Family = FamilyBrave
		p.brandVersion = majorAfter(ua, "Brave/")
	case strings.Contains(ua, "Vivaldi/"):
		p.Family = FamilyVivaldi
	case strings.Contains(ua, "Firefox/"):
		p.Family = FamilyFirefox
		p.MajorVersion = majorAfter(ua, "Firefox/")
	case strings.Contains(ua, "Chrome/"):
		p.Family = FamilyChrome
	case strings.Contains(ua, "Safari/") && strings.Contains(ua, "Version/"):
		p.Family = FamilySafari
		p.MajorVersion = majorAfter(ua, "Version/")
	}
	if p.Family.Chromium() {
		p.MajorVersion = majorAfter(ua, "Chrome/")
	}
	return p
}

func majorAfter(ua, token string) int {
	idx := strings.Index(ua, token)
	if idx < 0 {
		return 0
	}
	n := 0
	for _, r := range ua[idx+len(token):] {
		if r < '0' || r > '9' {
			break
		}
		n = n*10 + int(r-'0')
	}
	return n
}

// Selector draws profiles from a pool.
type Selector struct {
	mu   sync.Mutex
	rnd  *rand.Rand
	pool []string
}

// NewSelector returns a selector over the built in pool. A nil src seeds from
// the clock.
func NewSelector(src rand.Source) *Selector {
	if src == nil {
		src = rand.NewPCG(uint64(time.Now().UnixNano()), rand.Uint64())
	}
	return &Selector{
		rnd:  rand.New(src),
		pool: userAgents,
	}
}

// Pick returns a random profile. Callers keep the returned profile for every
// request of an attempt.
func (s *Selector) Pick() Profile {
	s.mu.Lock()
	ua := s.pool[s.rnd.IntN(len(s.pool))]
	lang := acceptLanguages[s.rnd.IntN(len(acceptLanguages))]
	s.mu.Unlock()
	return FromUserAgent(ua, lang)
}

// Size returns the number of user agents in the pool.
func (s *Selector) Size() int {
	return len(s.pool)
}
