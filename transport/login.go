package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// Bootstrap is the correlation state extracted from the provider's
// initial redirect chain. Every challenge submission must carry the
// sessionId/returnUrl/authCode triple.
type Bootstrap struct {
	SessionID     string
	ReturnURL     string
	AuthCode      string
	CorrelationID string
}

var (
	// The login page hands control to a script that redirects the
	// browser to the page embedding the rotating auth code.
	redirectTargetRe = regexp.MustCompile(`location\.(?:href|replace)\s*[=(]\s*['"]([^'"]+)['"]`)

	// The auth code rotates on a multi-day cycle and is embedded in the
	// page script rather than served as a parameter.
	authCodeRe = regexp.MustCompile(`authCode["']?\s*[:=]\s*["']([0-9A-Za-z]+)["']`)
)

// StartLogin follows the provider's initial redirect chain and scrapes
// the correlation triple out of it: root page, authorize endpoint, two
// manual redirects to a URL carrying sessionId and returnUrl, then the
// script-embedded auth code.
func (s *Sender) StartLogin(ctx context.Context) (*Bootstrap, error) {
	// Prime the provider's session cookies.
	resp, err := s.getNoRedirect(ctx, s.cfg.AccountsURL+"/", "StartLogin.root")
	if err != nil {
		return nil, err
	}
	drain(resp)

	authorizeURL, err := url.Parse(s.profileAuthorizeURL())
	if err != nil {
		return nil, errors.Wrapf(ErrTransport, "[StartLogin] authorize url: %v", err)
	}
	resp, err = s.getNoRedirect(ctx, authorizeURL.String(), "StartLogin.authorize")
	if err != nil {
		return nil, err
	}
	drain(resp)
	hop, err := location(resp, authorizeURL, "StartLogin.authorize")
	if err != nil {
		return nil, err
	}

	resp, err = s.getNoRedirect(ctx, hop.String(), "StartLogin.hop")
	if err != nil {
		return nil, err
	}
	drain(resp)
	terminal, err := location(resp, hop, "StartLogin.hop")
	if err != nil {
		return nil, err
	}

	resp, err = s.getNoRedirect(ctx, terminal.String(), "StartLogin.terminal")
	if err != nil {
		return nil, err
	}
	body, err := readBody(resp)
	if err != nil {
		return nil, err
	}

	q := terminal.Query()
	b := &Bootstrap{
		SessionID: q.Get("sessionId"),
		ReturnURL: q.Get("returnUrl"),
	}
	if b.SessionID == "" || b.ReturnURL == "" {
		return nil, errors.Wrapf(ErrTransport, "[StartLogin] sessionId/returnUrl missing from %q", terminal.Redacted())
	}
	if ret, err := url.Parse(b.ReturnURL); err == nil {
		b.CorrelationID = ret.Query().Get("X-Correlation-ID")
	}

	target := redirectTargetRe.FindSubmatch(body)
	if target == nil {
		return nil, errors.Wrap(ErrParse, "[StartLogin] no script redirect target in login page")
	}
	ref, err := url.Parse(string(target[1]))
	if err != nil {
		return nil, errors.Wrapf(ErrParse, "[StartLogin] bad script redirect target: %v", err)
	}

	resp, err = s.get(ctx, terminal.ResolveReference(ref).String(), "StartLogin.authcode")
	if err != nil {
		return nil, err
	}
	body, err = readBody(resp)
	if err != nil {
		return nil, err
	}
	code := authCodeRe.FindSubmatch(body)
	if code == nil {
		return nil, errors.Wrap(ErrParse, "[StartLogin] auth code pattern not found")
	}
	b.AuthCode = string(code[1])

	s.log.Debug().Str("session_id", b.SessionID).Msg("login bootstrap complete")
	return b, nil
}

// Tenant is one school entry from the provider's tenant search.
type Tenant struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Domain string `json:"domain"`
}

// SearchTenant resolves a human-entered school-name substring to the
// first matching tenant.
func (s *Sender) SearchTenant(ctx context.Context, sessionID, name string) (*Tenant, error) {
	q := url.Values{}
	q.Set("sessionId", sessionID)
	q.Set("key", name)
	resp, err := s.get(ctx, s.cfg.ChallengeURL("tenant/search")+"?"+q.Encode(), "SearchTenant")
	if err != nil {
		return nil, err
	}
	body, err := readBody(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(ErrSchoolNotFound, "[SearchTenant] search returned status %d", resp.StatusCode)
	}
	var tenants []Tenant
	if err := json.Unmarshal(body, &tenants); err != nil {
		return nil, errors.Wrapf(ErrSchoolNotFound, "[SearchTenant] unparsable search result: %v", err)
	}
	if len(tenants) == 0 {
		return nil, errors.Wrapf(ErrSchoolNotFound, "[SearchTenant] no tenant matches %q", name)
	}
	return &tenants[0], nil
}

// ChallengeKind selects one of the provider's login challenges.
type ChallengeKind string

const (
	ChallengeTenant   ChallengeKind = "tenant"
	ChallengeUsername ChallengeKind = "username"
	ChallengePassword ChallengeKind = "password"
)

// ChallengePayload is the JSON body of a challenge submission: the
// accumulated correlation fields plus one challenge-specific field.
type ChallengePayload struct {
	SessionID                string `json:"sessionId"`
	ReturnURL                string `json:"returnUrl"`
	AuthCode                 string `json:"authCode"`
	Tenant                   string `json:"tenant,omitempty"`
	Username                 string `json:"username,omitempty"`
	Password                 string `json:"password,omitempty"`
	UserWantsToPairSoftToken *bool  `json:"userWantsToPairSoftToken,omitempty"`
}

// ChallengeResult is the raw outcome of a challenge submission. The
// transport does not classify success or failure; that is the state
// machine's call.
type ChallengeResult struct {
	StatusCode int
	Body       []byte
}

// SubmitChallenge POSTs one challenge, echoing the anti-forgery cookie
// as a header and attaching the shared cookie jar.
func (s *Sender) SubmitChallenge(ctx context.Context, kind ChallengeKind, payload ChallengePayload) (*ChallengeResult, error) {
	op := "SubmitChallenge." + string(kind)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(ErrTransport, "[%s] marshal payload: %v", op, err)
	}
	req, err := http.NewRequest(http.MethodPost, s.cfg.ChallengeURL(string(kind)), bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrapf(ErrTransport, "[%s] building request: %v", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", s.cfg.AccountsURL)
	req.Header.Set("X-XSRF-TOKEN", s.xsrfToken())

	resp, err := s.do(ctx, s.client, req, op)
	if err != nil {
		return nil, err
	}
	respBody, err := readBody(resp)
	if err != nil {
		return nil, err
	}
	return &ChallengeResult{StatusCode: resp.StatusCode, Body: respBody}, nil
}

// TokenFromFragment pulls the access token out of a URL whose fragment
// is itself a query string, prefixed for use as an authorization
// header.
func TokenFromFragment(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", errors.Wrapf(ErrParse, "[TokenFromFragment] bad url: %v", err)
	}
	vals, err := url.ParseQuery(u.Fragment)
	if err != nil {
		return "", errors.Wrapf(ErrParse, "[TokenFromFragment] bad fragment: %v", err)
	}
	token := vals.Get("access_token")
	if token == "" {
		return "", errors.Wrap(ErrParse, "[TokenFromFragment] no access_token in fragment")
	}
	return "Bearer " + token, nil
}

// FetchProfileToken runs the profile-scope implicit flow. The provider
// redirects straight to the callback once the challenge sequence has
// completed; the token rides in the redirect's URL fragment.
func (s *Sender) FetchProfileToken(ctx context.Context) (string, error) {
	return s.fetchFragmentToken(ctx, s.profileAuthorizeURL(), "FetchProfileToken")
}

// FetchAppToken runs the tenant-app implicit flow against the school's
// API host. Client id, redirect URI and acr tenant hint all derive from
// the resolved API base URL.
func (s *Sender) FetchAppToken(ctx context.Context, apiBaseURL string) (string, error) {
	api, err := url.Parse(apiBaseURL)
	if err != nil || api.Host == "" {
		return "", errors.Wrapf(ErrTransport, "[FetchAppToken] bad api base url %q", apiBaseURL)
	}
	conf := &oauth2.Config{
		ClientID:    s.cfg.AppClientIDPrefix + api.Host,
		RedirectURL: api.Scheme + "://" + api.Host + s.cfg.AppRedirectPath,
		Scopes:      strings.Fields(s.cfg.AppScopes),
		Endpoint:    oauth2.Endpoint{AuthURL: s.cfg.AuthorizeURL()},
	}
	authURL := conf.AuthCodeURL(s.cfg.State,
		oauth2.SetAuthURLParam("response_type", "id_token token"),
		oauth2.SetAuthURLParam("nonce", s.cfg.Nonce),
		oauth2.SetAuthURLParam("acr_values", "tenant:"+api.Host),
	)
	return s.fetchFragmentToken(ctx, authURL, "FetchAppToken")
}

func (s *Sender) fetchFragmentToken(ctx context.Context, authorizeURL, op string) (string, error) {
	base, err := url.Parse(authorizeURL)
	if err != nil {
		return "", errors.Wrapf(ErrTransport, "[%s] authorize url: %v", op, err)
	}
	resp, err := s.getNoRedirect(ctx, authorizeURL, op)
	if err != nil {
		return "", err
	}
	drain(resp)
	callback, err := location(resp, base, op)
	if err != nil {
		return "", err
	}
	token, err := TokenFromFragment(callback.String())
	if err != nil {
		return "", errors.Wrapf(err, "[%s]", op)
	}
	return token, nil
}

func (s *Sender) profileAuthorizeURL() string {
	conf := &oauth2.Config{
		ClientID:    s.cfg.ProfileClientID,
		RedirectURL: s.cfg.AccountsURL + s.cfg.ProfileRedirectPath,
		Scopes:      strings.Fields(s.cfg.ProfileScopes),
		Endpoint:    oauth2.Endpoint{AuthURL: s.cfg.AuthorizeURL()},
	}
	return conf.AuthCodeURL(s.cfg.State,
		oauth2.SetAuthURLParam("response_type", "id_token token"),
		oauth2.SetAuthURLParam("nonce", s.cfg.Nonce),
	)
}
