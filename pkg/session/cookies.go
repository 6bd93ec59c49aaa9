package session

import (
	"fmt"
	"strings"

	"github.com/esbmeter/esbmeter/pkg/types"
)

// ParseCookieString parses a raw Cookie header value such as
// "name=value; name2=value2". A leading "Cookie:" prefix, surrounding
// whitespace, quoted values and empty segments are tolerated.
func ParseCookieString(raw string) ([]types.Cookie, error) {
	s := strings.TrimSpace(raw)
	if len(s) >= 7 && strings.EqualFold(s[:7], "cookie:") {
		s = strings.TrimSpace(s[7:])
	}

	var cookies []types.Cookie
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%w: segment %q has no '='", ErrInvalidCookieFormat, part)
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if !validCookieName(name) {
			return nil, fmt.Errorf("%w: invalid cookie name %q", ErrInvalidCookieFormat, name)
		}
		if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
			value = value[1 : len(value)-1]
		}
		if !validCookieValue(value) {
			return nil, fmt.Errorf("%w: invalid value for cookie %q", ErrInvalidCookieFormat, name)
		}
		cookies = append(cookies, types.Cookie{Name: name, Value: value})
	}
	if len(cookies) == 0 {
		return nil, fmt.Errorf("%w: no cookies", ErrInvalidCookieFormat)
	}
	return cookies, nil
}

func validCookieName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c <= ' ' || c >= 0x7f || strings.IndexByte(`()<>@,;:\"/[]?={}`, c) >= 0 {
			return false
		}
	}
	return true
}

func validCookieValue(value string) bool {
	for i := 0; i < len(value); i++ {
		c := value[i]
		if c < ' ' || c == 0x7f || c == '"' || c == ';' || c == '\\' {
			return false
		}
	}
	return true
}
