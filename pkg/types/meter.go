package types

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// MPRNLength is the number of digits in a Meter Point Reference Number.
const MPRNLength = 11

// ErrInvalidCredentials is returned by Credentials.Validate.
var ErrInvalidCredentials = errors.New("invalid credentials format")

// Credentials for the ESB Networks customer portal. A Credentials value is
// never persisted and its LogValue hides the password.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	MPRN     string `json:"mprn"`
}

// ValidMPRN reports whether s is exactly MPRNLength ASCII digits.
func ValidMPRN(s string) bool {
	if len(s) != MPRNLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Validate checks the credentials locally before any request is made.
func (c Credentials) Validate() error {
	switch {
	case strings.TrimSpace(c.Username) == "":
		return fmt.Errorf("%w: username is empty", ErrInvalidCredentials)
	case c.Password == "":
		return fmt.Errorf("%w: password is empty", ErrInvalidCredentials)
	case !ValidMPRN(c.MPRN):
		return fmt.Errorf("%w: mprn must be %d digits", ErrInvalidCredentials, MPRNLength)
	}
	return nil
}

// LogValue implements slog.LogValuer.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("username", c.Username),
		slog.String("mprn", c.MPRN),
		slog.Int("passwordLen", len(c.Password)),
	)
}

// String never includes the password.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{Username:%s MPRN:%s}", c.Username, c.MPRN)
}
