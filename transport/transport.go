// Package transport performs the raw HTTP interactions of the login
// flow and the deterministic extraction of state fragments (tokens,
// ids, redirect targets) from responses. It is stateless with respect
// to login progress: callers hand it whatever state a step needs and
// it hands back extracted values or raw responses.
package transport

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	"github.com/h3ll0u/go-magister/config"
)

const maxBodyBytes = 4 << 20

// Sender issues the individual HTTP calls of the login flow. All calls
// share one cookie jar: the provider correlates challenge submissions
// via session cookies in addition to the explicit payload fields.
type Sender struct {
	cfg        config.Config
	client     *http.Client
	noRedirect *http.Client
	limiter    *rate.Limiter
	log        zerolog.Logger
}

// Option configures a Sender.
type Option func(*Sender)

// WithLogger sets the logger used for per-step debug logging.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Sender) {
		s.log = log
	}
}

// WithHTTPClient replaces the underlying client. A cookie jar is
// attached if the client has none.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Sender) {
		s.client = client
	}
}

// New builds a Sender from the configuration table.
func New(cfg config.Config, opts ...Option) (*Sender, error) {
	s := &Sender{
		cfg: cfg,
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.client == nil {
		s.client = &http.Client{Timeout: cfg.Timeout}
	}
	if s.client.Jar == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, errors.Wrap(err, "[transport.New] cookiejar.New")
		}
		s.client.Jar = jar
	}

	// Several flow steps must read Location headers instead of being
	// auto-redirected. Both clients share the jar and transport.
	nr := *s.client
	nr.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	s.noRedirect = &nr

	if cfg.RequestsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	s.log = s.log.With().Str("transport_id", uuid.NewString()).Logger()
	return s, nil
}

func (s *Sender) wait(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return errors.Wrapf(ErrTimeout, "[Sender.wait] %v", err)
	}
	return nil
}

// do runs a request and classifies network errors.
func (s *Sender) do(ctx context.Context, client *http.Client, req *http.Request, op string) (*http.Response, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, classify(err, op)
	}
	s.log.Debug().
		Str("op", op).
		Str("url", req.URL.Redacted()).
		Int("status", resp.StatusCode).
		Msg("request")
	return resp, nil
}

func (s *Sender) get(ctx context.Context, rawURL, op string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.Wrapf(ErrTransport, "[%s] building request: %v", op, err)
	}
	return s.do(ctx, s.client, req, op)
}

func (s *Sender) getNoRedirect(ctx context.Context, rawURL, op string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.Wrapf(ErrTransport, "[%s] building request: %v", op, err)
	}
	return s.do(ctx, s.noRedirect, req, op)
}

func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.Wrapf(ErrTransport, "reading body: %v", err)
	}
	return body, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
	_ = resp.Body.Close()
}

// location reads a response's Location header and resolves it against
// the request URL. An absent header means the provider changed its
// flow.
func location(resp *http.Response, base *url.URL, op string) (*url.URL, error) {
	loc := resp.Header.Get("Location")
	if loc == "" {
		return nil, errors.Wrapf(ErrTransport, "[%s] no Location header (status %d)", op, resp.StatusCode)
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return nil, errors.Wrapf(ErrTransport, "[%s] bad Location %q: %v", op, loc, err)
	}
	return base.ResolveReference(ref), nil
}

// xsrfToken reads the anti-forgery token the provider set as a cookie.
// Challenge submissions must echo it back as a header.
func (s *Sender) xsrfToken() string {
	u, err := url.Parse(s.cfg.AccountsURL)
	if err != nil {
		return ""
	}
	for _, c := range s.client.Jar.Cookies(u) {
		if c.Name == "XSRF-TOKEN" {
			return c.Value
		}
	}
	return ""
}

func classify(err error, op string) error {
	var uerr *url.Error
	if stderrors.As(err, &uerr) && uerr.Timeout() {
		return errors.Wrapf(ErrTimeout, "[%s] %v", op, err)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Wrapf(ErrTimeout, "[%s] %v", op, err)
	}
	return errors.Wrapf(ErrTransport, "[%s] %v", op, err)
}
