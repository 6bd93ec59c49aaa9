// Package notify delivers user facing notifications, such as a CAPTCHA that
// needs solving, to whatever the operator has configured.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Action is an optional link attached to a notification.
type Action struct {
	Title string `json:"title"`
	URI   string `json:"uri"`
}

// Notification is a persistent message identified by ID. Notifying with an
// existing ID replaces the previous message.
type Notification struct {
	ID      string    `json:"id"`
	MPRN    string    `json:"mprn,omitempty"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	Action  *Action   `json:"action,omitempty"`
	Created time.Time `json:"created"`
}

// Dispatcher creates and dismisses notifications.
type Dispatcher interface {
	Notify(ctx context.Context, n Notification) error
	Dismiss(ctx context.Context, id string) error
}

// CaptchaID is the notification ID used for a meter's CAPTCHA episode.
func CaptchaID(mprn string) string {
	return "esbmeter_captcha_" + mprn
}

// CircuitID is the notification ID used while a meter's circuit is open.
func CircuitID(mprn string) string {
	return "esbmeter_circuit_" + mprn
}

// CaptchaNotification asks the user to log in by hand and submit cookies.
func CaptchaNotification(mprn, portalURL string, next time.Time) Notification {
	return Notification{
		ID:    CaptchaID(mprn),
		MPRN:  mprn,
		Title: "ESB Networks login needs attention",
		Message: fmt.Sprintf(
			"The ESB Networks portal asked for a CAPTCHA while logging in for meter %s. "+
				"Log in with a browser and submit the session cookies, otherwise the next automatic attempt is at %s.",
			mprn, next.Format(time.RFC1123),
		),
		Action: &Action{Title: "Open ESB Networks", URI: portalURL},
	}
}

// CircuitNotification reports that automatic updates are paused.
func CircuitNotification(mprn string, failures int, until time.Time, cause error) Notification {
	msg := fmt.Sprintf("Updates for meter %s failed %d times in a row and are paused until %s.", mprn, failures, until.Format(time.RFC1123))
	if cause != nil {
		msg += " Last error: " + cause.Error()
	}
	return Notification{
		ID:      CircuitID(mprn),
		MPRN:    mprn,
		Title:   "ESB Networks updates paused",
		Message: msg,
	}
}

// Multi fans out to several dispatchers, returning every failure joined.
type Multi struct {
	dispatchers []Dispatcher
}

var _ Dispatcher = (*Multi)(nil)

// NewMulti returns a Multi over ds, skipping nils.
func NewMulti(ds ...Dispatcher) *Multi {
	m := &Multi{}
	for _, d := range ds {
		m.add(d)
	}
	return m
}

func (m *Multi) add(d Dispatcher) {
	if d != nil {
		m.dispatchers = append(m.dispatchers, d)
	}
}

// Len returns the number of dispatchers.
func (m *Multi) Len() int {
	return len(m.dispatchers)
}

func (m *Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, d := range m.dispatchers {
		if err := d.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) Dismiss(ctx context.Context, id string) error {
	var errs []error
	for _, d := range m.dispatchers {
		if err := d.Dismiss(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every dispatcher that holds a connection.
func (m *Multi) Close() error {
	var errs []error
	for _, d := range m.dispatchers {
		if c, ok := d.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
