package esb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"

	"github.com/esbmeter/esbmeter/pkg/fingerprint"
	"github.com/esbmeter/esbmeter/pkg/log"
	"github.com/esbmeter/esbmeter/pkg/metrics"
	"github.com/esbmeter/esbmeter/pkg/readings"
	"github.com/esbmeter/esbmeter/pkg/types"
)

// FetchResult is a parsed download plus the session as it stands after it.
type FetchResult struct {
	Result readings.Result
	// Session carries cookies and token refreshed during the download.
	Session types.AuthSession
	// SessionChanged is set when Session differs from the one passed in and
	// should be saved.
	SessionChanged bool
}

type downloadRequest struct {
	MPRN       string `json:"mprn"`
	SearchType string `json:"searchType"`
}

// Fetch downloads and parses the interval export using a stored session. A
// session the portal no longer accepts fails with AuthenticationRejected
// wrapping ErrSessionRejected.
func (c *Client) Fetch(ctx context.Context, sess types.AuthSession) (FetchResult, error) {
	start := c.now()
	res, err := c.fetch(ctx, sess)
	result := "ok"
	if err != nil {
		result = "error"
		if kind, ok := KindOf(err); ok {
			result = kind.String()
		}
	}
	metrics.ObserveFetch(result, c.now().Sub(start))
	return res, err
}

func (c *Client) fetch(ctx context.Context, sess types.AuthSession) (FetchResult, error) {
	if !types.ValidMPRN(sess.MPRN) {
		return FetchResult{}, &Error{Kind: InvalidCredentialsFormat, Step: StepDownload, Err: types.ErrInvalidCredentials}
	}
	profile := fingerprint.FromUserAgent(sess.UserAgent, sess.AcceptLanguage)
	if profile.Family == fingerprint.FamilyUnknown {
		profile = c.selector.Pick()
	}
	a, err := c.newAttempt(profile)
	if err != nil {
		return FetchResult{}, err
	}
	a.token = sess.DownloadToken
	ctx = log.WithAttrs(ctx, slog.String("mprn", sess.MPRN), slog.String("attempt", a.id))

	cookies := sess.HTTPCookies()
	for _, ck := range cookies {
		if ck.Path == "" {
			ck.Path = "/"
		}
	}
	a.jar.SetCookies(c.myAccountURL, cookies)

	if a.token == "" {
		log.Ctx(ctx).InfoContext(ctx, "no download token stored, requesting one")
		if err := c.runStep(ctx, a, tokenExchange); err != nil {
			return FetchResult{}, err
		}
		if err := c.sleep(ctx, c.delay()); err != nil {
			return FetchResult{}, err
		}
	}

	body, err := c.download(ctx, a, sess.MPRN)
	if err != nil {
		return FetchResult{}, err
	}

	opts := c.parseOpts
	opts.MeterID = sess.MPRN
	if opts.Now == nil {
		opts.Now = c.now
	}
	parsed, err := readings.Parse(ctx, body, opts)
	if err != nil {
		if errors.Is(err, readings.ErrMalformed) {
			return FetchResult{}, &Error{Kind: MalformedData, Step: StepDownload, Err: err}
		}
		return FetchResult{}, err
	}

	refreshed := sess
	refreshed.Cookies = types.CookiesFromHTTP(a.jar.Cookies(c.myAccountURL))
	refreshed.DownloadToken = a.token
	// keep one identity for the session from here on
	refreshed.UserAgent = profile.UserAgent
	refreshed.AcceptLanguage = profile.AcceptLanguage
	changed := refreshed.DownloadToken != sess.DownloadToken || !sameCookies(sess, refreshed) ||
		refreshed.UserAgent != sess.UserAgent || refreshed.AcceptLanguage != sess.AcceptLanguage
	log.Ctx(ctx).InfoContext(
		ctx,
		"esb download parsed",
		slog.Int("readings", len(parsed.Readings)),
		slog.Int("skipped", parsed.Skipped),
		slog.Int("expired", parsed.Expired),
		slog.Bool("sessionChanged", changed),
	)
	return FetchResult{Result: parsed, Session: refreshed, SessionChanged: changed}, nil
}

// download posts the export request and returns the bounded body.
func (c *Client) download(ctx context.Context, a *attempt, mprn string) (io.Reader, error) {
	payload, err := json.Marshal(downloadRequest{MPRN: mprn, SearchType: "intervalkw"})
	if err != nil {
		return nil, err
	}
	req, err := c.newRequest(ctx, a, http.MethodPost, c.myAccount("/DataHub/DownloadHdfPeriodic"), bytes.NewReader(payload), fingerprint.CORS, "same-origin")
	if err != nil {
		return nil, protocolChanged(StepDownload, "a valid request target", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Xsrf-Token", a.token)
	req.Header.Set("X-Returnurl", c.consumptionURL())
	req.Header.Set("Referer", c.consumptionURL())
	req.Header.Set("Origin", origin(c.myAccountURL))

	resp, err := a.follow.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &Error{Kind: TransientNetwork, Step: StepDownload, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &Error{
			Kind:       TransientNetwork,
			Step:       StepDownload,
			Status:     resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
			Err:        fmt.Errorf("server returned %s", http.StatusText(resp.StatusCode)),
		}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden || c.isLoginURL(resp.Request.URL):
		return nil, rejected(StepDownload, resp.StatusCode, ErrSessionRejected)
	case resp.StatusCode != http.StatusOK:
		return nil, &Error{Kind: ProtocolChanged, Step: StepDownload, Expected: "200 from download", Status: resp.StatusCode}
	}
	if resp.ContentLength > c.maxCSVBytes {
		return nil, &Error{Kind: PayloadTooLarge, Step: StepDownload, Err: fmt.Errorf("content length %d exceeds %d", resp.ContentLength, c.maxCSVBytes)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxCSVBytes+1))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &Error{Kind: TransientNetwork, Step: StepDownload, Status: resp.StatusCode, Err: err}
	}
	if int64(len(data)) > c.maxCSVBytes {
		return nil, &Error{Kind: PayloadTooLarge, Step: StepDownload, Err: fmt.Errorf("body exceeds %d bytes", c.maxCSVBytes)}
	}
	if looksLikeHTML(resp.Header, data) {
		return nil, rejected(StepDownload, resp.StatusCode, ErrSessionRejected)
	}
	return bytes.NewReader(data), nil
}

func sameCookies(a, b types.AuthSession) bool {
	am, bm := a.CookieMap(), b.CookieMap()
	if len(am) != len(bm) {
		return false
	}
	for k, v := range am {
		if bm[k] != v {
			return false
		}
	}
	return true
}

// cookieNames lists the cookie names in s, sorted.
func cookieNames(s types.AuthSession) []string {
	names := make([]string, 0, len(s.Cookies))
	for _, c := range s.Cookies {
		names = append(names, c.Name)
	}
	slices.Sort(names)
	return names
}
