// Package esb drives the ESB Networks customer portal: the multi step B2C
// login and the half hourly interval download.
package esb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/esbmeter/esbmeter/pkg/common"
	"github.com/esbmeter/esbmeter/pkg/fingerprint"
	"github.com/esbmeter/esbmeter/pkg/htmlform"
	"github.com/esbmeter/esbmeter/pkg/log"
	"github.com/esbmeter/esbmeter/pkg/metrics"
	"github.com/esbmeter/esbmeter/pkg/readings"
	"github.com/esbmeter/esbmeter/pkg/types"
	"github.com/google/uuid"
	"golang.org/x/net/publicsuffix"
)

const (
	DefaultMyAccountURL = "https://myaccount.esbnetworks.ie"
	DefaultAuthBaseURL  = "https://login.esbnetworks.ie/esbntwkscustportalprdb2c01.onmicrosoft.com/B2C_1A_signup_signin"
	DefaultPolicy       = "B2C_1A_signup_signin"
	DefaultMaxCSVBytes  = 10 << 20
	DefaultTimeout      = 30 * time.Second

	maxPageBytes = 2 << 20
)

// Client logs into the portal and downloads interval data. It holds no
// per-meter state; every Login builds a fresh cookie jar.
type Client struct {
	transport    http.RoundTripper
	timeout      time.Duration
	myAccountURL *url.URL
	authBaseURL  *url.URL
	policy       string
	selector     *fingerprint.Selector
	markers      Markers
	maxCSVBytes  int64
	parseOpts    readings.Options

	delay func() time.Duration
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithTransport sets the shared round tripper.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.transport = rt
	}
}

// WithTimeout sets the per request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithMyAccountURL points the client at a different account host.
func WithMyAccountURL(u *url.URL) Option {
	return func(c *Client) {
		c.myAccountURL = u
	}
}

// WithAuthBaseURL points the client at a different B2C tenant and policy path.
func WithAuthBaseURL(u *url.URL) Option {
	return func(c *Client) {
		c.authBaseURL = u
	}
}

// WithPolicy sets the B2C policy query parameter.
func WithPolicy(p string) Option {
	return func(c *Client) {
		c.policy = p
	}
}

// WithSelector sets the fingerprint selector.
func WithSelector(s *fingerprint.Selector) Option {
	return func(c *Client) {
		c.selector = s
	}
}

// WithMarkers replaces the CAPTCHA markers.
func WithMarkers(m Markers) Option {
	return func(c *Client) {
		c.markers = m
	}
}

// WithMaxCSVBytes sets the download size ceiling.
func WithMaxCSVBytes(n int64) Option {
	return func(c *Client) {
		c.maxCSVBytes = n
	}
}

// WithParseOptions sets how downloaded data is parsed.
func WithParseOptions(o readings.Options) Option {
	return func(c *Client) {
		c.parseOpts = o
	}
}

// WithDelay replaces the human-like delay distribution.
func WithDelay(f func() time.Duration) Option {
	return func(c *Client) {
		c.delay = f
	}
}

// WithSleep replaces the context aware sleep.
func WithSleep(f func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		c.sleep = f
	}
}

// WithClock replaces time.Now.
func WithClock(f func() time.Time) Option {
	return func(c *Client) {
		c.now = f
	}
}

// New returns a Client for the production portal unless overridden.
func New(opts ...Option) *Client {
	myAccount, _ := url.Parse(DefaultMyAccountURL)
	authBase, _ := url.Parse(DefaultAuthBaseURL)
	c := &Client{
		transport:    common.Transport(),
		timeout:      DefaultTimeout,
		myAccountURL: myAccount,
		authBaseURL:  authBase,
		policy:       DefaultPolicy,
		markers:      DefaultCaptchaMarkers,
		maxCSVBytes:  DefaultMaxCSVBytes,
		delay:        humanDelay,
		sleep:        sleepContext,
		now:          time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.selector == nil {
		c.selector = fingerprint.NewSelector(nil)
	}
	return c
}

// attempt is the mutable state threaded through one login or download.
type attempt struct {
	id       string
	creds    types.Credentials
	profile  fingerprint.Profile
	jar      http.CookieJar
	follow   *http.Client
	noFollow *http.Client

	csrf    string
	transID string
	form    autoForm
	referer string
	token   string
}

type autoForm struct {
	action     string
	state      string
	clientInfo string
	code       string
}

func (c *Client) newAttempt(profile fingerprint.Profile) (*attempt, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	return &attempt{
		id:      uuid.NewString(),
		profile: profile,
		jar:     jar,
		follow: &http.Client{
			Transport: c.transport,
			Jar:       jar,
			Timeout:   c.timeout,
		},
		noFollow: &http.Client{
			Transport: c.transport,
			Jar:       jar,
			Timeout:   c.timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

// response is a fully read HTTP response.
type response struct {
	status int
	header http.Header
	body   []byte
	url    *url.URL

	page htmlform.Extractor
}

// extract parses the body once for field lookups.
func (r *response) extract() (htmlform.Extractor, error) {
	if r.page != nil {
		return r.page, nil
	}
	doc, err := htmlform.Parse(r.text())
	if err != nil {
		return nil, err
	}
	r.page = doc
	return doc, nil
}

func (r *response) text() string {
	return string(r.body)
}

func (r *response) redirect() bool {
	return r.status >= 300 && r.status < 400
}

// do performs req and maps transport failures, rate limiting and server
// errors to TransientNetwork. Context errors are returned untouched.
func (c *Client) do(ctx context.Context, a *attempt, step Step, req *http.Request, follow bool, limit int64) (*response, error) {
	client := a.noFollow
	if follow {
		client = a.follow
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &Error{Kind: TransientNetwork, Step: step, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &Error{Kind: TransientNetwork, Step: step, Status: resp.StatusCode, Err: err}
	}
	r := &response{
		status: resp.StatusCode,
		header: resp.Header,
		body:   body,
		url:    resp.Request.URL,
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return r, &Error{
			Kind:       TransientNetwork,
			Step:       step,
			Status:     resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
			Err:        fmt.Errorf("server returned %s", http.StatusText(resp.StatusCode)),
		}
	}
	return r, nil
}

func (c *Client) newRequest(ctx context.Context, a *attempt, method, target string, body io.Reader, kind fingerprint.Kind, site string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	for k, v := range a.profile.Headers(kind) {
		req.Header[k] = v
	}
	if site != "" {
		req.Header.Set("Sec-Fetch-Site", site)
	}
	return req, nil
}

func (c *Client) myAccount(p string) string {
	return strings.TrimRight(c.myAccountURL.String(), "/") + p
}

func (c *Client) auth(p string) string {
	return strings.TrimRight(c.authBaseURL.String(), "/") + p
}

func origin(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}

// isLoginURL reports whether u points back at the B2C tenant, which is what
// the portal does when it does not consider the browser signed in.
func (c *Client) isLoginURL(u *url.URL) bool {
	if u == nil || !strings.EqualFold(u.Host, c.authBaseURL.Host) {
		return false
	}
	if !strings.EqualFold(u.Host, c.myAccountURL.Host) {
		return true
	}
	// Same host, which only happens when both are served together; compare
	// the tenant path segment instead.
	return strings.EqualFold(firstSegment(u.Path), firstSegment(c.authBaseURL.Path))
}

func firstSegment(p string) string {
	p = strings.TrimPrefix(p, "/")
	if i := strings.IndexByte(p, '/'); i >= 0 {
		return p[:i]
	}
	return p
}

// Login runs the full sign in flow and returns an authenticated session for
// the account host. Nothing is persisted here.
func (c *Client) Login(ctx context.Context, creds types.Credentials) (types.AuthSession, error) {
	if err := creds.Validate(); err != nil {
		return types.AuthSession{}, &Error{Kind: InvalidCredentialsFormat, Step: StepInitialPage, Err: err}
	}

	a, err := c.newAttempt(c.selector.Pick())
	if err != nil {
		return types.AuthSession{}, err
	}
	a.creds = creds
	ctx = log.WithAttrs(ctx, slog.String("mprn", creds.MPRN), slog.String("attempt", a.id))
	log.Ctx(ctx).InfoContext(
		ctx,
		"starting esb login",
		slog.String("family", string(a.profile.Family)),
		slog.String("platform", a.profile.Platform),
	)

	for i, t := range loginFlow {
		if i > 0 {
			if err := c.sleep(ctx, c.delay()); err != nil {
				return types.AuthSession{}, err
			}
		}
		if err := c.runStep(ctx, a, t); err != nil {
			return types.AuthSession{}, err
		}
	}

	sess := types.AuthSession{
		MPRN:           creds.MPRN,
		Cookies:        types.CookiesFromHTTP(a.jar.Cookies(c.myAccountURL)),
		UserAgent:      a.profile.UserAgent,
		AcceptLanguage: a.profile.AcceptLanguage,
		DownloadToken:  a.token,
		AcquiredAt:     c.now(),
	}
	if len(sess.Cookies) == 0 {
		return types.AuthSession{}, protocolChanged(StepAuthenticated, "session cookies for account host", nil)
	}
	log.Ctx(ctx).InfoContext(ctx, "esb login succeeded", slog.Any("cookies", cookieNames(sess)))
	return sess, nil
}

func (c *Client) runStep(ctx context.Context, a *attempt, t transition) error {
	start := c.now()
	ctx = log.WithAttrs(ctx, slog.String("step", t.step.String()))

	req, err := t.request(c, ctx, a)
	if err != nil {
		return protocolChanged(t.step, "a valid request target", err)
	}
	resp, err := c.do(ctx, a, t.step, req, t.follow, maxPageBytes)
	if err == nil {
		err = t.handle(c, a, resp)
	}
	result := "ok"
	if err != nil {
		result = "error"
		if kind, ok := KindOf(err); ok {
			result = kind.String()
		}
	}
	metrics.ObserveLoginStep(t.step.String(), result, c.now().Sub(start))

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		var e *Error
		if errors.As(err, &e) {
			log.Ctx(ctx).WarnContext(
				ctx,
				"esb login step failed",
				slog.String("kind", e.Kind.String()),
				slog.String("expected", e.Expected),
				slog.Int("status", e.Status),
				slog.Any("error", e.Err),
			)
		}
		return err
	}
	status := 0
	if resp != nil {
		status = resp.status
	}
	log.Ctx(ctx).DebugContext(ctx, "esb login step complete", slog.Int("status", status), slog.Duration("duration", c.now().Sub(start)))
	return nil
}
