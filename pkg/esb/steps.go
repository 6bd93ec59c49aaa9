package esb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/esbmeter/esbmeter/pkg/fingerprint"
	"github.com/esbmeter/esbmeter/pkg/htmlform"
)

// Step identifies a request in the login flow.
type Step int

const (
	StepInitialPage Step = iota + 1
	StepCredentialSubmit
	StepConfirm
	StepSigninOIDC
	StepMyAccount
	StepHistoricConsumption
	StepTokenExchange
	StepAuthenticated
	StepDownload
)

func (s Step) String() string {
	switch s {
	case StepInitialPage:
		return "initial_page"
	case StepCredentialSubmit:
		return "credential_submit"
	case StepConfirm:
		return "confirm"
	case StepSigninOIDC:
		return "signin_oidc"
	case StepMyAccount:
		return "my_account"
	case StepHistoricConsumption:
		return "historic_consumption"
	case StepTokenExchange:
		return "token_exchange"
	case StepAuthenticated:
		return "authenticated"
	case StepDownload:
		return "download"
	}
	return "unknown"
}

// transition is one request of the flow. request builds the call from the
// attempt state and handle validates the response and records what the next
// step needs.
type transition struct {
	step    Step
	follow  bool
	request func(c *Client, ctx context.Context, a *attempt) (*http.Request, error)
	handle  func(c *Client, a *attempt, r *response) error
}

var loginFlow = []transition{
	{StepInitialPage, true, (*Client).requestInitialPage, (*Client).handleInitialPage},
	{StepCredentialSubmit, true, (*Client).requestCredentialSubmit, (*Client).handleCredentialSubmit},
	{StepConfirm, true, (*Client).requestConfirm, (*Client).handleConfirm},
	{StepSigninOIDC, false, (*Client).requestSigninOIDC, (*Client).handleSigninOIDC},
	{StepMyAccount, true, (*Client).requestMyAccount, accountPage(StepMyAccount)},
	{StepHistoricConsumption, true, (*Client).requestHistoricConsumption, accountPage(StepHistoricConsumption)},
	tokenExchange,
}

var tokenExchange = transition{StepTokenExchange, true, (*Client).requestToken, (*Client).handleToken}

func (c *Client) consumptionURL() string {
	return c.myAccount("/Api/HistoricConsumption")
}

// 1. GET the account root, which redirects to the B2C sign in page.

func (c *Client) requestInitialPage(ctx context.Context, a *attempt) (*http.Request, error) {
	req, err := c.newRequest(ctx, a, http.MethodGet, c.myAccount("/"), nil, fingerprint.Navigate, "none")
	if err != nil {
		return nil, err
	}
	req.Header.Set("Sec-Fetch-User", "?1")
	return req, nil
}

func (c *Client) handleInitialPage(a *attempt, r *response) error {
	if r.status != http.StatusOK {
		return &Error{Kind: ProtocolChanged, Step: StepInitialPage, Expected: "sign in page", Status: r.status}
	}
	if err := c.checkCaptcha(StepInitialPage, r); err != nil {
		return err
	}
	page, err := r.extract()
	if err != nil {
		return protocolChanged(StepInitialPage, "html sign in page", err)
	}
	if a.csrf, err = page.Setting("csrf"); err != nil {
		return protocolChanged(StepInitialPage, "SETTINGS.csrf", err)
	}
	if a.transID, err = page.Setting("transId"); err != nil {
		return protocolChanged(StepInitialPage, "SETTINGS.transId", err)
	}
	a.referer = r.url.String()
	return nil
}

// 2. POST the credentials to SelfAsserted.

func (c *Client) requestCredentialSubmit(ctx context.Context, a *attempt) (*http.Request, error) {
	q := url.Values{"tx": {a.transID}, "p": {c.policy}}
	form := url.Values{
		"signInName":   {a.creds.Username},
		"password":     {a.creds.Password},
		"request_type": {"RESPONSE"},
	}
	req, err := c.newRequest(ctx, a, http.MethodPost, c.auth("/SelfAsserted?"+q.Encode()), strings.NewReader(form.Encode()), fingerprint.XHR, "same-origin")
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	req.Header.Set("X-CSRF-TOKEN", a.csrf)
	req.Header.Set("Origin", origin(c.authBaseURL))
	req.Header.Set("Referer", a.referer)
	return req, nil
}

type selfAssertedResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (c *Client) handleCredentialSubmit(a *attempt, r *response) error {
	if err := c.checkCaptcha(StepCredentialSubmit, r); err != nil {
		return err
	}
	switch r.status {
	case http.StatusOK:
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return rejected(StepCredentialSubmit, r.status, nil)
	default:
		return &Error{Kind: ProtocolChanged, Step: StepCredentialSubmit, Expected: "200 from SelfAsserted", Status: r.status}
	}
	if err := c.checkContinuity(StepCredentialSubmit, a, r); err != nil {
		return err
	}
	var sa selfAssertedResponse
	if err := json.Unmarshal(r.body, &sa); err != nil {
		return protocolChanged(StepCredentialSubmit, "SelfAsserted json status", err)
	}
	switch sa.Status {
	case "200":
		return nil
	case "400", "401", "403":
		return rejected(StepCredentialSubmit, r.status, errors.New(sa.Message))
	}
	return protocolChanged(StepCredentialSubmit, "SelfAsserted json status", fmt.Errorf("status %q", sa.Status))
}

// 3. GET the confirmation page holding the auto-submitting form.

func (c *Client) requestConfirm(ctx context.Context, a *attempt) (*http.Request, error) {
	q := url.Values{
		"rememberMe": {"false"},
		"csrf_token": {a.csrf},
		"tx":         {a.transID},
		"p":          {c.policy},
	}
	req, err := c.newRequest(ctx, a, http.MethodGet, c.auth("/api/CombinedSigninAndSignup/confirmed?"+q.Encode()), nil, fingerprint.Navigate, "same-origin")
	if err != nil {
		return nil, err
	}
	req.Header.Set("Referer", a.referer)
	return req, nil
}

func (c *Client) handleConfirm(a *attempt, r *response) error {
	if err := c.checkCaptcha(StepConfirm, r); err != nil {
		return err
	}
	switch r.status {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return rejected(StepConfirm, r.status, nil)
	default:
		return &Error{Kind: ProtocolChanged, Step: StepConfirm, Expected: "confirmation page", Status: r.status}
	}
	if err := c.checkContinuity(StepConfirm, a, r); err != nil {
		return err
	}
	page, err := r.extract()
	if err != nil {
		return protocolChanged(StepConfirm, "html confirmation page", err)
	}
	form, err := page.Form("auto")
	if err != nil {
		return protocolChanged(StepConfirm, "form#auto", err)
	}
	for _, name := range []string{"state", "client_info", "code"} {
		if form.Fields[name] == "" {
			return protocolChanged(StepConfirm, "form#auto input "+name, htmlform.ErrFieldNotFound)
		}
	}
	action, err := r.url.Parse(form.Action)
	if err != nil || form.Action == "" {
		return protocolChanged(StepConfirm, "form#auto action", err)
	}
	if !strings.EqualFold(action.Host, c.myAccountURL.Host) || c.isLoginURL(action) {
		return protocolChanged(StepConfirm, "form#auto posting to the account host", fmt.Errorf("action host %q", action.Host))
	}
	a.form = autoForm{
		action:     action.String(),
		state:      form.Fields["state"],
		clientInfo: form.Fields["client_info"],
		code:       form.Fields["code"],
	}
	return nil
}

// 4. POST the authorization code to the account host, without following the
// redirect so the session cookie can be checked.

func (c *Client) requestSigninOIDC(ctx context.Context, a *attempt) (*http.Request, error) {
	form := url.Values{
		"state":       {a.form.state},
		"client_info": {a.form.clientInfo},
		"code":        {a.form.code},
	}
	req, err := c.newRequest(ctx, a, http.MethodPost, a.form.action, strings.NewReader(form.Encode()), fingerprint.Navigate, "same-site")
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Origin", origin(c.authBaseURL))
	req.Header.Set("Referer", origin(c.authBaseURL)+"/")
	return req, nil
}

func (c *Client) handleSigninOIDC(a *attempt, r *response) error {
	switch {
	case r.status == http.StatusUnauthorized || r.status == http.StatusForbidden:
		return rejected(StepSigninOIDC, r.status, nil)
	case r.redirect():
		loc, err := r.url.Parse(r.header.Get("Location"))
		if err != nil {
			return protocolChanged(StepSigninOIDC, "redirect location", err)
		}
		if c.isLoginURL(loc) {
			return rejected(StepSigninOIDC, r.status, errors.New("redirected back to sign in"))
		}
		if st := loc.Query().Get("state"); st != "" && st != a.form.state {
			return protocolChanged(StepSigninOIDC, "the same state", errors.New("state changed"))
		}
	case r.status >= 200 && r.status < 300:
	default:
		return &Error{Kind: ProtocolChanged, Step: StepSigninOIDC, Expected: "2xx or 3xx from signin-oidc", Status: r.status}
	}
	a.referer = origin(c.authBaseURL) + "/"
	return nil
}

// 5 and 6. Load the account pages the browser would visit.

func (c *Client) requestMyAccount(ctx context.Context, a *attempt) (*http.Request, error) {
	req, err := c.newRequest(ctx, a, http.MethodGet, c.myAccount("/"), nil, fingerprint.Navigate, "same-site")
	if err != nil {
		return nil, err
	}
	req.Header.Set("Referer", a.referer)
	return req, nil
}

func (c *Client) requestHistoricConsumption(ctx context.Context, a *attempt) (*http.Request, error) {
	req, err := c.newRequest(ctx, a, http.MethodGet, c.consumptionURL(), nil, fingerprint.Navigate, "same-origin")
	if err != nil {
		return nil, err
	}
	req.Header.Set("Referer", c.myAccount("/"))
	req.Header.Set("Sec-Fetch-User", "?1")
	return req, nil
}

// accountPage accepts a signed in account page and rejects a bounce back to
// the sign in page.
func accountPage(step Step) func(*Client, *attempt, *response) error {
	return func(c *Client, a *attempt, r *response) error {
		if c.isLoginURL(r.url) {
			return rejected(step, r.status, errors.New("redirected back to sign in"))
		}
		switch r.status {
		case http.StatusOK:
		case http.StatusUnauthorized, http.StatusForbidden:
			return rejected(step, r.status, nil)
		default:
			return &Error{Kind: ProtocolChanged, Step: step, Expected: "account page", Status: r.status}
		}
		a.referer = r.url.String()
		return nil
	}
}

// 7. Exchange the signed in session for a download token.

func (c *Client) requestToken(ctx context.Context, a *attempt) (*http.Request, error) {
	req, err := c.newRequest(ctx, a, http.MethodGet, c.myAccount("/af/t"), nil, fingerprint.CORS, "same-origin")
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Returnurl", c.consumptionURL())
	req.Header.Set("Referer", c.consumptionURL())
	return req, nil
}

func (c *Client) handleToken(a *attempt, r *response) error {
	if c.isLoginURL(r.url) {
		return rejected(StepTokenExchange, r.status, ErrSessionRejected)
	}
	switch r.status {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return rejected(StepTokenExchange, r.status, ErrSessionRejected)
	default:
		return &Error{Kind: ProtocolChanged, Step: StepTokenExchange, Expected: "token response", Status: r.status}
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(r.body, &body); err != nil {
		if looksLikeHTML(r.header, r.body) {
			return rejected(StepTokenExchange, r.status, ErrSessionRejected)
		}
		return protocolChanged(StepTokenExchange, "json token", err)
	}
	if body.Token == "" {
		return protocolChanged(StepTokenExchange, "non-empty token", nil)
	}
	a.token = body.Token
	return nil
}

// checkCaptcha fails with CaptchaRequired when any marker is present.
func (c *Client) checkCaptcha(step Step, r *response) error {
	page, err := r.extract()
	if err != nil {
		return protocolChanged(step, "html page", err)
	}
	if marker, ok := c.markers.Detect(page); ok {
		return &Error{Kind: CaptchaRequired, Step: step, Status: r.status, Err: fmt.Errorf("page contains %q", marker)}
	}
	return nil
}

// checkContinuity makes sure a page that names a B2C transaction names ours.
func (c *Client) checkContinuity(step Step, a *attempt, r *response) error {
	page, err := r.extract()
	if err != nil {
		return nil
	}
	tx, err := page.Setting("transId")
	if err != nil || tx == a.transID {
		return nil
	}
	return protocolChanged(step, "the same transaction id", errors.New("transaction id changed"))
}

func looksLikeHTML(h http.Header, body []byte) bool {
	if strings.Contains(strings.ToLower(h.Get("Content-Type")), "text/html") {
		return true
	}
	trimmed := strings.TrimSpace(string(body[:min(len(body), 512)]))
	return strings.HasPrefix(trimmed, "<")
}
