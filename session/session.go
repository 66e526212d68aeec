// Package session owns the ordered progression of the login flow: it
// accumulates token and identifier state across the provider's
// challenge sequence, refuses steps whose prerequisite state is
// missing, and exposes the authenticated state to the data-retrieval
// calls.
package session

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/h3ll0u/go-magister/config"
	"github.com/h3ll0u/go-magister/internal/utils"
	"github.com/h3ll0u/go-magister/transport"
)

// State is the login progress of a Session.
type State int

const (
	Unauthenticated State = iota
	SchoolSet
	UsernameSet
	Authenticated
	Failed
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case SchoolSet:
		return "school-set"
	case UsernameSet:
		return "username-set"
	case Authenticated:
		return "authenticated"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Session is one logical login attempt. Fields populate strictly in
// flow order and are never reset; a fresh attempt needs a fresh
// Session. A session is not safe for overlapping calls: a second
// operation started while one is in flight fails with
// ErrConcurrentAccess.
type Session struct {
	mu       sync.Mutex
	cfg      config.Config
	sender   *transport.Sender
	log      zerolog.Logger
	suppress bool

	state State

	// Correlation triple, required by every challenge submission.
	sessionID string
	returnURL string
	authCode  string

	correlationID    string
	tenantID         string
	profileAuthToken string
	appAuthToken     string
	apiBaseURL       string
	accountID        string
	personID         string
}

// Option configures a Session.
type Option func(*options)

type options struct {
	cfg        *config.Config
	logger     *zerolog.Logger
	logging    bool
	suppress   bool
	timeout    time.Duration
	httpClient *http.Client
}

// WithConfig replaces the built-in provider configuration table.
func WithConfig(cfg config.Config) Option {
	return func(o *options) {
		o.cfg = utils.Ptr(cfg)
	}
}

// WithLogging enables status logging to stderr.
func WithLogging(enabled bool) Option {
	return func(o *options) {
		o.logging = enabled
	}
}

// WithLogger routes all session logging through the given logger.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) {
		o.logger = utils.Ptr(log)
	}
}

// WithSuppressedErrors switches the public API to best-effort mode:
// failed operations log a warning and return an empty result instead
// of an error. The session still transitions to Failed internally.
func WithSuppressedErrors(enabled bool) Option {
	return func(o *options) {
		o.suppress = enabled
	}
}

// WithTimeout overrides the per-request budget.
func WithTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.timeout = timeout
	}
}

// WithHTTPClient replaces the underlying HTTP client, primarily for
// tests.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

// New creates an empty session against the default provider
// configuration, loaded from the environment where set.
func New(opts ...Option) (*Session, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfg := config.Default()
	if o.cfg != nil {
		cfg = *o.cfg
	}
	if o.timeout > 0 {
		cfg.Timeout = o.timeout
	}
	cfg.Sanitize()

	log := zerolog.Nop()
	if o.logger != nil {
		log = *o.logger
	} else if o.logging {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	senderOpts := []transport.Option{transport.WithLogger(log)}
	if o.httpClient != nil {
		senderOpts = append(senderOpts, transport.WithHTTPClient(o.httpClient))
	}
	sender, err := transport.New(cfg, senderOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "[session.New] transport.New")
	}

	return &Session{
		cfg:      cfg,
		sender:   sender,
		log:      log,
		suppress: o.suppress,
	}, nil
}

// State reports the session's login progress.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsAuthenticated reports whether the full login sequence completed.
func (s *Session) IsAuthenticated() bool {
	return s.State() == Authenticated
}

// TenantID returns the school identifier resolved during login, empty
// until the school challenge succeeds.
func (s *Session) TenantID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tenantID
}

// TokenExpiry reads the expiry claim of the app bearer token without
// verifying it, for diagnostics only. Zero when unknown.
func (s *Session) TokenExpiry() time.Time {
	s.mu.Lock()
	token := s.appAuthToken
	s.mu.Unlock()

	raw, ok := cutBearer(token)
	if !ok {
		return time.Time{}
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

func cutBearer(token string) (string, bool) {
	const prefix = "Bearer "
	if len(token) <= len(prefix) || token[:len(prefix)] != prefix {
		return "", false
	}
	return token[len(prefix):], true
}

// SubmitSchool runs the initial redirect chain and the school/tenant
// challenge. It is the first step of the login sequence.
func (s *Session) SubmitSchool(ctx context.Context, schoolName string) error {
	if !s.mu.TryLock() {
		return s.finish("SubmitSchool", errors.WithStack(ErrConcurrentAccess))
	}
	defer s.mu.Unlock()
	return s.finish("SubmitSchool", s.submitSchool(ctx, schoolName))
}

// SubmitUsername submits the username challenge. Valid only after
// SubmitSchool succeeded.
func (s *Session) SubmitUsername(ctx context.Context, username string) error {
	if !s.mu.TryLock() {
		return s.finish("SubmitUsername", errors.WithStack(ErrConcurrentAccess))
	}
	defer s.mu.Unlock()
	return s.finish("SubmitUsername", s.submitUsername(ctx, username))
}

// SubmitPassword submits the password challenge and, on success,
// resolves the full authenticated state: profile token, API base URL,
// app token, account id and person id, in that order.
func (s *Session) SubmitPassword(ctx context.Context, password string) error {
	if !s.mu.TryLock() {
		return s.finish("SubmitPassword", errors.WithStack(ErrConcurrentAccess))
	}
	defer s.mu.Unlock()
	return s.finish("SubmitPassword", s.submitPassword(ctx, password))
}

// Login runs the three challenge steps in sequence, short-circuiting
// on the first failure. This is the recommended entry point; the
// three-step form exists for callers that need per-field feedback.
// In suppressed mode the result is a plain success boolean with a nil
// error.
func (s *Session) Login(ctx context.Context, schoolName, username, password string) (bool, error) {
	if !s.mu.TryLock() {
		return false, s.finish("Login", errors.WithStack(ErrConcurrentAccess))
	}
	defer s.mu.Unlock()

	err := s.submitSchool(ctx, schoolName)
	if err == nil {
		err = s.submitUsername(ctx, username)
	}
	if err == nil {
		err = s.submitPassword(ctx, password)
	}
	if err != nil {
		return false, s.finish("Login", err)
	}
	s.log.Info().Str("school", schoolName).Msg("logged in")
	return true, nil
}

func (s *Session) submitSchool(ctx context.Context, schoolName string) error {
	if s.state != Unauthenticated {
		return errors.Wrapf(ErrSequence, "[SubmitSchool] session already in state %s, start a new session", s.state)
	}

	boot, err := s.sender.StartLogin(ctx)
	if err != nil {
		return s.fail(err)
	}
	tenant, err := s.sender.SearchTenant(ctx, boot.SessionID, schoolName)
	if err != nil {
		return s.fail(err)
	}

	res, err := s.sender.SubmitChallenge(ctx, transport.ChallengeTenant, transport.ChallengePayload{
		SessionID: boot.SessionID,
		ReturnURL: boot.ReturnURL,
		AuthCode:  boot.AuthCode,
		Tenant:    tenant.ID,
	})
	if err != nil {
		return s.fail(err)
	}
	if res.StatusCode != http.StatusOK || !json.Valid(res.Body) {
		return s.fail(errors.Wrapf(ErrIncorrectCredentials, "[SubmitSchool] could not find school %q (status %d)", schoolName, res.StatusCode))
	}

	s.sessionID = boot.SessionID
	s.returnURL = boot.ReturnURL
	s.authCode = boot.AuthCode
	s.correlationID = boot.CorrelationID
	s.tenantID = tenant.ID
	s.state = SchoolSet
	s.log.Debug().Str("tenant_id", s.tenantID).Msg("school challenge accepted")
	return nil
}

func (s *Session) submitUsername(ctx context.Context, username string) error {
	if s.state != SchoolSet {
		return errors.Wrapf(ErrSequence, "[SubmitUsername] requires a successful SubmitSchool first (state %s)", s.state)
	}

	res, err := s.sender.SubmitChallenge(ctx, transport.ChallengeUsername, transport.ChallengePayload{
		SessionID: s.sessionID,
		ReturnURL: s.returnURL,
		AuthCode:  s.authCode,
		Username:  username,
	})
	if err != nil {
		return s.fail(err)
	}
	if res.StatusCode != http.StatusOK {
		return s.fail(errors.Wrapf(ErrIncorrectCredentials, "[SubmitUsername] username rejected (status %d)", res.StatusCode))
	}

	s.state = UsernameSet
	s.log.Debug().Msg("username challenge accepted")
	return nil
}

func (s *Session) submitPassword(ctx context.Context, password string) error {
	if s.state != UsernameSet {
		return errors.Wrapf(ErrSequence, "[SubmitPassword] requires a successful SubmitUsername first (state %s)", s.state)
	}

	res, err := s.sender.SubmitChallenge(ctx, transport.ChallengePassword, transport.ChallengePayload{
		SessionID:                s.sessionID,
		ReturnURL:                s.returnURL,
		AuthCode:                 s.authCode,
		Password:                 password,
		UserWantsToPairSoftToken: utils.Ptr(false),
	})
	if err != nil {
		return s.fail(err)
	}
	if res.StatusCode != http.StatusOK {
		return s.fail(errors.Wrapf(ErrIncorrectCredentials, "[SubmitPassword] incorrect password or login cooldown (status %d)", res.StatusCode))
	}

	// Each resolution below depends on the previous one; the order is
	// fixed by the provider.
	if s.profileAuthToken, err = s.sender.FetchProfileToken(ctx); err != nil {
		return s.fail(err)
	}
	if s.apiBaseURL, err = s.sender.ResolveAPIBaseURL(ctx, s.profileAuthToken); err != nil {
		return s.fail(err)
	}
	if s.appAuthToken, err = s.sender.FetchAppToken(ctx, s.apiBaseURL); err != nil {
		return s.fail(err)
	}
	if s.accountID, err = s.sender.ResolveAccountID(ctx, s.appAuthToken, s.apiBaseURL); err != nil {
		return s.fail(err)
	}
	if s.personID, err = s.sender.ResolvePersonID(ctx, s.appAuthToken, s.apiBaseURL, s.accountID); err != nil {
		return s.fail(err)
	}

	s.state = Authenticated
	s.log.Debug().Str("person_id", s.personID).Msg("login sequence complete")
	return nil
}

// fail moves the session to the terminal Failed state. Already
// resolved fields are left intact for diagnostics.
func (s *Session) fail(err error) error {
	s.state = Failed
	return err
}

// finish is the public-API boundary of the error-suppression toggle:
// propagate the typed error, or log it and report nothing.
func (s *Session) finish(op string, err error) error {
	if err == nil {
		return nil
	}
	if s.suppress {
		s.log.Warn().Err(err).Str("op", op).Msg("operation failed")
		return nil
	}
	return err
}
