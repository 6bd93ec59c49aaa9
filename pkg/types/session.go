package types

import (
	"net/http"
	"time"
)

// Cookie is the persisted form of an http.Cookie.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain,omitempty"`
	Path     string    `json:"path,omitempty"`
	Expires  time.Time `json:"expires,omitzero"`
	Secure   bool      `json:"secure,omitempty"`
	HttpOnly bool      `json:"httpOnly,omitempty"`
}

// AuthSession is an authenticated cookie collection for one meter.
type AuthSession struct {
	MPRN    string   `json:"mprn"`
	Cookies []Cookie `json:"cookies"`
	// UserAgent and AcceptLanguage pin the browser identity used to obtain
	// the cookies so later downloads present the same one.
	UserAgent      string    `json:"userAgent,omitempty"`
	AcceptLanguage string    `json:"acceptLanguage,omitempty"`
	DownloadToken  string    `json:"downloadToken,omitempty"`
	AcquiredAt     time.Time `json:"acquiredAt"`
	// ExpiresAt is an optional hint, zero when unknown.
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
	// Manual is set when the cookies were pasted by a user.
	Manual bool `json:"manual,omitempty"`
}

// Age returns how long ago the session was acquired.
func (s *AuthSession) Age(now time.Time) time.Duration {
	return now.Sub(s.AcquiredAt)
}

// Expired reports whether the session is older than maxAge or past its
// expiry hint.
func (s *AuthSession) Expired(now time.Time, maxAge time.Duration) bool {
	if maxAge > 0 && s.Age(now) > maxAge {
		return true
	}
	if !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt) {
		return true
	}
	return false
}

// HTTPCookies converts the stored cookies for use with a cookie jar.
func (s *AuthSession) HTTPCookies() []*http.Cookie {
	out := make([]*http.Cookie, 0, len(s.Cookies))
	for _, c := range s.Cookies {
		out = append(out, &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			Secure:   c.Secure,
			HttpOnly: c.HttpOnly,
		})
	}
	return out
}

// CookiesFromHTTP converts cookies read from a jar.
func CookiesFromHTTP(cookies []*http.Cookie) []Cookie {
	out := make([]Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			Secure:   c.Secure,
			HttpOnly: c.HttpOnly,
		})
	}
	return out
}

// CookieMap returns name to value, later duplicates win.
func (s *AuthSession) CookieMap() map[string]string {
	m := make(map[string]string, len(s.Cookies))
	for _, c := range s.Cookies {
		m[c.Name] = c.Value
	}
	return m
}
