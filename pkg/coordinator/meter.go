// Package coordinator schedules updates for each meter and turns portal
// failures into backoff, circuit breaking and notifications while keeping
// the last good usage available.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/esbmeter/esbmeter/pkg/esb"
	"github.com/esbmeter/esbmeter/pkg/export"
	"github.com/esbmeter/esbmeter/pkg/log"
	"github.com/esbmeter/esbmeter/pkg/metrics"
	"github.com/esbmeter/esbmeter/pkg/notify"
	"github.com/esbmeter/esbmeter/pkg/readings"
	"github.com/esbmeter/esbmeter/pkg/session"
	"github.com/esbmeter/esbmeter/pkg/types"
)

// Portal is the subset of *esb.Client the coordinator drives.
type Portal interface {
	Login(ctx context.Context, creds types.Credentials) (types.AuthSession, error)
	Fetch(ctx context.Context, sess types.AuthSession) (esb.FetchResult, error)
}

var _ Portal = (*esb.Client)(nil)

var allStates = []string{
	string(types.MeterStateIdle),
	string(types.MeterStateFetching),
	string(types.MeterStateSucceeded),
	string(types.MeterStateCaptchaBackoff),
	string(types.MeterStateCircuitOpen),
}

// Config is what a Meter needs.
type Config struct {
	Credentials types.Credentials
	Portal      Portal
	Sessions    session.Manager
	// Notifier defaults to notify.LogDispatcher.
	Notifier notify.Dispatcher
	// Sink is optional.
	Sink   export.Sink
	Policy Policy
	// Location defaults to UTC.
	Location *time.Location
	// PortalURL is linked from CAPTCHA notifications.
	PortalURL string
}

type captchaState struct {
	active     bool
	detectedAt time.Time
	notified   bool
}

// Meter owns the update pipeline and the latest result for one MPRN.
type Meter struct {
	mprn      string
	creds     types.Credentials
	portal    Portal
	sessions  session.Manager
	notifier  notify.Dispatcher
	sink      export.Sink
	policy    Policy
	loc       *time.Location
	portalURL string
	now       func() time.Time

	inflight atomic.Bool
	wake     chan struct{}

	mu             sync.Mutex
	rnd            *rand.Rand
	breaker        Breaker
	captcha        captchaState
	circuitNotice  bool
	set            *readings.Set
	snap           types.Snapshot
	stateBeforeRun types.MeterState
}

// Option configures a Meter.
type Option func(*Meter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Meter) {
		m.now = now
	}
}

// WithRand sets the jitter source.
func WithRand(r *rand.Rand) Option {
	return func(m *Meter) {
		m.rnd = r
	}
}

// NewMeter validates cfg and returns an idle Meter.
func NewMeter(cfg Config, opts ...Option) (*Meter, error) {
	if !types.ValidMPRN(cfg.Credentials.MPRN) {
		return nil, fmt.Errorf("%w: %q", session.ErrInvalidMPRN, cfg.Credentials.MPRN)
	}
	if cfg.Portal == nil || cfg.Sessions == nil {
		return nil, errors.New("portal and sessions are required")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.LogDispatcher{}
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Policy.Interval <= 0 {
		cfg.Policy = DefaultPolicy()
	}
	m := &Meter{
		mprn:      cfg.Credentials.MPRN,
		creds:     cfg.Credentials,
		portal:    cfg.Portal,
		sessions:  cfg.Sessions,
		notifier:  cfg.Notifier,
		sink:      cfg.Sink,
		policy:    cfg.Policy,
		loc:       cfg.Location,
		portalURL: cfg.PortalURL,
		now:       time.Now,
		wake:      make(chan struct{}, 1),
		breaker: Breaker{
			Threshold:   cfg.Policy.CircuitFailures,
			Cooldown:    cfg.Policy.CircuitCooldown,
			MaxCooldown: cfg.Policy.CircuitMaxCooldown,
			DailyLimit:  cfg.Policy.MaxAttemptsPerDay,
			Location:    cfg.Location,
		},
		snap: types.Snapshot{
			MPRN:  cfg.Credentials.MPRN,
			State: types.MeterStateIdle,
		},
	}
	for _, o := range opts {
		o(m)
	}
	if m.rnd == nil {
		m.rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	metrics.SetState(m.mprn, string(types.MeterStateIdle), allStates)
	return m, nil
}

// MPRN returns the meter id.
func (m *Meter) MPRN() string {
	return m.mprn
}

// Snapshot returns the latest result. Usage windows are evaluated at the
// current time from the retained readings.
func (m *Meter) Snapshot() types.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	s := m.snap
	s.Usage = nil
	if s.HasData {
		s.Usage = m.set.All(now)
		if now.Sub(s.LastUpdated) > m.policy.staleAfter() {
			s.Stale = true
		}
	}
	return s
}

// NextAttempt returns when the next automatic update is due.
func (m *Meter) NextAttempt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.NextAttempt
}

// RequestRefresh asks the run loop for an update now. It fails fast when an
// update is running or the circuit is open.
func (m *Meter) RequestRefresh() error {
	if m.inflight.Load() {
		return ErrFetchInFlight
	}
	m.mu.Lock()
	open := m.breaker.Open(m.now())
	m.mu.Unlock()
	if open {
		return ErrCircuitOpen
	}
	m.signal()
	return nil
}

func (m *Meter) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// SubmitCookies stores a manually obtained session and schedules an update
// with it. An open circuit is moved to half-open so the cookies get tried.
func (m *Meter) SubmitCookies(ctx context.Context, raw, userAgent string) (types.AuthSession, error) {
	sess, err := m.sessions.SaveManual(ctx, m.mprn, raw, userAgent)
	if err != nil {
		return types.AuthSession{}, err
	}
	m.mu.Lock()
	m.breaker.Probe(m.now())
	m.mu.Unlock()
	log.Ctx(ctx).InfoContext(ctx, "manual session stored", slog.String("mprn", m.mprn), slog.Int("cookies", len(sess.Cookies)))
	m.signal()
	return sess, nil
}

// Trigger runs one update now, bypassing the daily budget but not the
// circuit. Only one update per meter runs at a time.
func (m *Meter) Trigger(ctx context.Context) error {
	return m.update(ctx, false)
}

func (m *Meter) update(ctx context.Context, automatic bool) error {
	if !m.inflight.CompareAndSwap(false, true) {
		return ErrFetchInFlight
	}
	defer m.inflight.Store(false)

	ctx = log.WithAttrs(ctx, slog.String("mprn", m.mprn))
	start := m.now()

	m.mu.Lock()
	if err := m.breaker.Allow(start, automatic); err != nil {
		m.mu.Unlock()
		return err
	}
	if automatic {
		m.breaker.Record(start)
	}
	m.stateBeforeRun = m.snap.State
	m.snap.LastAttempt = start
	m.setState(types.MeterStateFetching)
	m.mu.Unlock()

	log.Ctx(ctx).InfoContext(ctx, "starting meter update", slog.Bool("automatic", automatic))
	res, err := m.fetch(ctx)
	if err != nil && ctx.Err() != nil {
		m.mu.Lock()
		m.setState(m.stateBeforeRun)
		m.mu.Unlock()
		return ctx.Err()
	}
	if err != nil {
		m.fail(ctx, err)
		return err
	}
	m.succeed(ctx, res)
	return nil
}

// fetch loads or creates a session and downloads with it. A cached session
// the portal rejects is dropped and replaced by one fresh login.
func (m *Meter) fetch(ctx context.Context) (esb.FetchResult, error) {
	sess, err := m.sessions.Load(ctx, m.mprn)
	if err != nil {
		return esb.FetchResult{}, fmt.Errorf("failed to load session: %w", err)
	}
	cached := sess != nil
	if !cached {
		fresh, err := m.login(ctx)
		if err != nil {
			return esb.FetchResult{}, err
		}
		sess = &fresh
	}

	res, err := m.portal.Fetch(ctx, *sess)
	if err != nil && cached && errors.Is(err, esb.ErrSessionRejected) {
		log.Ctx(ctx).WarnContext(ctx, "stored session rejected, logging in again", slog.Bool("manual", sess.Manual))
		if err := m.sessions.Invalidate(ctx, m.mprn); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to invalidate session", slog.Any("error", err))
		}
		fresh, err := m.login(ctx)
		if err != nil {
			return esb.FetchResult{}, err
		}
		res, err = m.portal.Fetch(ctx, fresh)
		if err != nil {
			return esb.FetchResult{}, err
		}
	} else if err != nil {
		return esb.FetchResult{}, err
	}

	if res.SessionChanged {
		if err := m.sessions.Save(ctx, res.Session); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to save refreshed session", slog.Any("error", err))
		}
	}
	return res, nil
}

func (m *Meter) login(ctx context.Context) (types.AuthSession, error) {
	sess, err := m.portal.Login(ctx, m.creds)
	if err != nil {
		return types.AuthSession{}, err
	}
	if err := m.sessions.Save(ctx, sess); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to save session", slog.Any("error", err))
	}
	return sess, nil
}

func (m *Meter) succeed(ctx context.Context, res esb.FetchResult) {
	var dismiss []string

	m.mu.Lock()
	now := m.now()
	merged := make([]types.MeterReading, 0, len(res.Result.Readings)+m.set.Len())
	merged = append(merged, res.Result.Readings...)
	merged = append(merged, m.set.Since(time.Time{})...)
	// New values win over retained ones for the same interval.
	set := readings.NewSet(merged, m.loc)
	if m.policy.Retention > 0 {
		set = readings.NewSet(set.Since(now.Add(-m.policy.Retention).Add(-time.Nanosecond)), m.loc)
	}
	m.set = set

	if m.captcha.active {
		dismiss = append(dismiss, notify.CaptchaID(m.mprn))
		m.captcha = captchaState{}
	}
	if m.circuitNotice {
		dismiss = append(dismiss, notify.CircuitID(m.mprn))
		m.circuitNotice = false
	}
	m.breaker.Success()
	next := now.Add(m.policy.nextInterval(m.rnd))

	m.snap.LastUpdated = now
	m.snap.NextAttempt = next
	m.snap.HasData = true
	m.snap.Stale = false
	m.snap.ManualActionRequired = false
	m.snap.LastError = ""
	m.snap.SkippedRows = res.Result.Skipped
	m.snap.Readings = set.Len()
	m.setState(types.MeterStateSucceeded)
	usage := set.All(now)
	m.mu.Unlock()

	metrics.SetCircuitOpen(m.mprn, false)
	metrics.SetLastSuccess(m.mprn, now)
	metrics.AddSkippedRows(m.mprn, res.Result.Skipped)
	for w, v := range usage {
		metrics.SetUsage(m.mprn, string(w), v)
	}
	log.Ctx(ctx).InfoContext(
		ctx,
		"meter update succeeded",
		slog.Int("readings", set.Len()),
		slog.Int("skipped", res.Result.Skipped),
		slog.Time("next", next),
	)

	for _, id := range dismiss {
		if err := m.notifier.Dismiss(ctx, id); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to dismiss notification", slog.String("id", id), slog.Any("error", err))
		}
	}
	if m.sink != nil && len(res.Result.Readings) > 0 {
		if err := m.sink.Export(ctx, m.mprn, res.Result.Readings); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to export readings", slog.Any("error", err))
		}
	}
}

func (m *Meter) fail(ctx context.Context, err error) {
	var notes []notify.Notification

	m.mu.Lock()
	now := m.now()
	kind, _ := esb.KindOf(err)
	m.snap.Stale = true
	m.snap.LastError = err.Error()

	var next time.Time
	switch kind {
	case esb.CaptchaRequired:
		next = now.Add(m.policy.CaptchaBackoff)
		m.snap.ManualActionRequired = true
		m.setState(types.MeterStateCaptchaBackoff)
		if !m.captcha.active {
			m.captcha = captchaState{active: true, detectedAt: now}
		}
		if !m.captcha.notified {
			m.captcha.notified = true
			notes = append(notes, notify.CaptchaNotification(m.mprn, m.portalURL, next))
		}
		metrics.IncCaptcha(m.mprn)

	case esb.InvalidCredentialsFormat:
		next = now.Add(m.policy.nextInterval(m.rnd))
		m.snap.ManualActionRequired = true
		m.setState(types.MeterStateIdle)

	default:
		opened := m.breaker.Failure(now)
		switch kind {
		case esb.AuthenticationRejected, esb.MalformedData, esb.PayloadTooLarge:
			next = now.Add(m.policy.nextInterval(m.rnd))
		default:
			next = now.Add(m.policy.retryDelay(m.breaker.Failures(), esb.RetryAfterOf(err), m.rnd))
		}
		if m.breaker.Open(now) {
			if until := m.breaker.OpenUntil(); until.After(next) {
				next = until
			}
			m.setState(types.MeterStateCircuitOpen)
			if opened {
				m.circuitNotice = true
				notes = append(notes, notify.CircuitNotification(m.mprn, m.breaker.Failures(), m.breaker.OpenUntil(), err))
			}
		} else if m.captcha.active {
			m.setState(types.MeterStateCaptchaBackoff)
		} else {
			m.setState(types.MeterStateIdle)
		}
	}
	m.snap.NextAttempt = next
	failures := m.breaker.Failures()
	open := m.breaker.Open(now)
	m.mu.Unlock()

	metrics.SetCircuitOpen(m.mprn, open)
	log.Ctx(ctx).WarnContext(
		ctx,
		"meter update failed",
		slog.String("kind", kind.String()),
		slog.Int("failures", failures),
		slog.Bool("circuitOpen", open),
		slog.Time("next", next),
		slog.Any("error", err),
	)

	for _, n := range notes {
		if n.Created.IsZero() {
			n.Created = now
		}
		if err := m.notifier.Notify(ctx, n); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to send notification", slog.String("id", n.ID), slog.Any("error", err))
		}
	}
}

// setState must be called with mu held.
func (m *Meter) setState(s types.MeterState) {
	m.snap.State = s
	metrics.SetState(m.mprn, string(s), allStates)
}

// Run updates the meter on schedule until ctx is done. The first automatic
// update waits for the startup delay.
func (m *Meter) Run(ctx context.Context) {
	ctx = log.WithAttrs(ctx, slog.String("mprn", m.mprn))

	m.mu.Lock()
	delay := m.policy.startupDelay(m.rnd)
	m.snap.NextAttempt = m.now().Add(delay)
	m.mu.Unlock()
	log.Ctx(ctx).InfoContext(ctx, "meter scheduled", slog.Duration("startupDelay", delay))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		automatic := false
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			automatic = true
		case <-m.wake:
		}

		err := m.update(ctx, automatic)
		if ctx.Err() != nil {
			return
		}
		switch {
		case errors.Is(err, ErrDailyLimit):
			m.setNext(nextLocalMidnight(m.now(), m.loc))
		case errors.Is(err, ErrFetchInFlight):
			m.setNext(m.now().Add(time.Minute))
		case errors.Is(err, ErrCircuitOpen):
			m.mu.Lock()
			until := m.breaker.OpenUntil()
			m.mu.Unlock()
			m.setNext(until)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(max(m.NextAttempt().Sub(m.now()), 0))
	}
}

func (m *Meter) setNext(t time.Time) {
	m.mu.Lock()
	if t.After(m.snap.NextAttempt) {
		m.snap.NextAttempt = t
	}
	m.mu.Unlock()
}

func nextLocalMidnight(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
}
