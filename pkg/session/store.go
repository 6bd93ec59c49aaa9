// Package session persists authenticated ESB cookie sessions per meter.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/esbmeter/esbmeter/pkg/log"
	"github.com/esbmeter/esbmeter/pkg/types"
)

// DefaultMaxAge is how long a saved session is trusted.
const DefaultMaxAge = 336 * time.Hour

var (
	// ErrNotFound is returned by a Backend when nothing is stored.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidCookieFormat is returned by SaveManual for unusable input.
	ErrInvalidCookieFormat = errors.New("invalid cookie format")
	// ErrInvalidMPRN is returned for meter ids that are not 11 digits.
	ErrInvalidMPRN = errors.New("invalid mprn")
)

// Backend stores one opaque record per meter. Write must replace the record
// atomically.
type Backend interface {
	Read(ctx context.Context, mprn string) ([]byte, error)
	Write(ctx context.Context, mprn string, data []byte) error
	Delete(ctx context.Context, mprn string) error
	Close() error
}

// Manager is the session surface used by the update pipeline and the API.
type Manager interface {
	Load(ctx context.Context, mprn string) (*types.AuthSession, error)
	Save(ctx context.Context, sess types.AuthSession) error
	SaveManual(ctx context.Context, mprn, raw, userAgent string) (types.AuthSession, error)
	Invalidate(ctx context.Context, mprn string) error
}

var _ Manager = (*Store)(nil)

// Store applies validity rules on top of a Backend and serialises access per
// meter.
type Store struct {
	backend Backend
	maxAge  time.Duration
	key     []byte
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithMaxAge overrides DefaultMaxAge.
func WithMaxAge(d time.Duration) Option {
	return func(s *Store) {
		s.maxAge = d
	}
}

// WithEncryptionKey encrypts records at rest with AES-256-GCM. The key must
// be 32 bytes.
func WithEncryptionKey(key []byte) Option {
	return func(s *Store) {
		s.key = key
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore returns a Store over backend.
func NewStore(backend Backend, opts ...Option) (*Store, error) {
	s := &Store{}
	if err := s.init(backend, opts...); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) init(backend Backend, opts ...Option) error {
	s.backend = backend
	s.maxAge = DefaultMaxAge
	s.now = time.Now
	s.locks = make(map[string]*sync.Mutex)
	for _, o := range opts {
		o(s)
	}
	if len(s.key) != 0 && len(s.key) != 32 {
		return fmt.Errorf("invalid encryption key length %d (must be 32 bytes)", len(s.key))
	}
	return nil
}

func (s *Store) lock(mprn string) func() {
	s.mu.Lock()
	l, ok := s.locks[mprn]
	if !ok {
		l = &sync.Mutex{}
		s.locks[mprn] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Load returns the stored session for mprn, or nil when there is none or it
// is no longer usable. Unusable records are removed.
func (s *Store) Load(ctx context.Context, mprn string) (*types.AuthSession, error) {
	if !types.ValidMPRN(mprn) {
		return nil, ErrInvalidMPRN
	}
	defer s.lock(mprn)()

	data, err := s.backend.Read(ctx, mprn)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	sess, err := s.decode(data)
	switch {
	case err != nil:
		log.Ctx(ctx).WarnContext(ctx, "discarding unreadable session", slog.String("mprn", mprn), slog.Any("error", err))
	case sess.MPRN != mprn:
		log.Ctx(ctx).WarnContext(ctx, "discarding session for another meter", slog.String("mprn", mprn), slog.String("stored", sess.MPRN))
	case len(sess.Cookies) == 0:
		log.Ctx(ctx).WarnContext(ctx, "discarding session without cookies", slog.String("mprn", mprn))
	case sess.Expired(s.now(), s.maxAge):
		log.Ctx(ctx).InfoContext(
			ctx,
			"stored session expired",
			slog.String("mprn", mprn),
			slog.Time("acquiredAt", sess.AcquiredAt),
			slog.Duration("maxAge", s.maxAge),
		)
	default:
		return sess, nil
	}

	if err := s.backend.Delete(ctx, mprn); err != nil && !errors.Is(err, ErrNotFound) {
		log.Ctx(ctx).WarnContext(ctx, "failed to delete stale session", slog.String("mprn", mprn), slog.Any("error", err))
	}
	return nil, nil
}

// Save replaces the stored session for sess.MPRN.
func (s *Store) Save(ctx context.Context, sess types.AuthSession) error {
	if !types.ValidMPRN(sess.MPRN) {
		return ErrInvalidMPRN
	}
	sess.AcquiredAt = sess.AcquiredAt.UTC()
	if !sess.ExpiresAt.IsZero() {
		sess.ExpiresAt = sess.ExpiresAt.UTC()
	}
	for i := range sess.Cookies {
		if !sess.Cookies[i].Expires.IsZero() {
			sess.Cookies[i].Expires = sess.Cookies[i].Expires.UTC()
		}
	}

	data, err := s.encode(sess)
	if err != nil {
		return err
	}

	defer s.lock(sess.MPRN)()
	if err := s.backend.Write(ctx, sess.MPRN, data); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}
	log.Ctx(ctx).DebugContext(
		ctx,
		"saved session",
		slog.String("mprn", sess.MPRN),
		slog.Int("cookies", len(sess.Cookies)),
		slog.Bool("manual", sess.Manual),
	)
	return nil
}

// SaveManual stores a session built from a raw Cookie header pasted by a
// user. Invalid input leaves any existing session untouched.
func (s *Store) SaveManual(ctx context.Context, mprn, raw, userAgent string) (types.AuthSession, error) {
	if !types.ValidMPRN(mprn) {
		return types.AuthSession{}, ErrInvalidMPRN
	}
	cookies, err := ParseCookieString(raw)
	if err != nil {
		return types.AuthSession{}, err
	}
	sess := types.AuthSession{
		MPRN:       mprn,
		Cookies:    cookies,
		UserAgent:  userAgent,
		AcquiredAt: s.now(),
		Manual:     true,
	}
	if err := s.Save(ctx, sess); err != nil {
		return types.AuthSession{}, err
	}
	log.Ctx(ctx).InfoContext(ctx, "saved manual session", slog.String("mprn", mprn), slog.Int("cookies", len(cookies)))
	return sess, nil
}

// Invalidate removes the stored session for mprn.
func (s *Store) Invalidate(ctx context.Context, mprn string) error {
	if !types.ValidMPRN(mprn) {
		return ErrInvalidMPRN
	}
	defer s.lock(mprn)()
	if err := s.backend.Delete(ctx, mprn); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "invalidated session", slog.String("mprn", mprn))
	return nil
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) encode(sess types.AuthSession) ([]byte, error) {
	data, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}
	if len(s.key) == 0 {
		return data, nil
	}
	return seal(s.key, data)
}

func (s *Store) decode(data []byte) (*types.AuthSession, error) {
	if len(s.key) != 0 {
		var err error
		data, err = open(s.key, data)
		if err != nil {
			return nil, err
		}
	}
	var sess types.AuthSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &sess, nil
}
