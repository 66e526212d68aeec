package transport_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h3ll0u/go-magister/config"
	"github.com/h3ll0u/go-magister/transport"
	"github.com/h3ll0u/go-magister/transport/providertest"
)

func newSender(t *testing.T, cfg config.Config) *transport.Sender {
	t.Helper()
	s, err := transport.New(cfg)
	require.NoError(t, err)
	return s
}

func TestStartLoginExtractsCorrelationState(t *testing.T) {
	p := providertest.New()
	defer p.Close()
	s := newSender(t, p.Config())

	boot, err := s.StartLogin(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, boot.SessionID)
	assert.NotEmpty(t, boot.ReturnURL)
	assert.NotEmpty(t, boot.CorrelationID)
	assert.Equal(t, p.AuthCode, boot.AuthCode)
}

func TestStartLoginFlowChanged(t *testing.T) {
	// A provider that stops redirecting signals a flow change.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.AccountsURL = srv.URL
	s := newSender(t, cfg)

	_, err := s.StartLogin(context.Background())
	require.ErrorIs(t, err, transport.ErrTransport)
}

func TestStartLoginTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.AccountsURL = srv.URL
	cfg.Timeout = 50 * time.Millisecond
	s := newSender(t, cfg)

	_, err := s.StartLogin(context.Background())
	require.ErrorIs(t, err, transport.ErrTimeout)
}

func TestSearchTenant(t *testing.T) {
	p := providertest.New()
	defer p.Close()
	s := newSender(t, p.Config())

	boot, err := s.StartLogin(context.Background())
	require.NoError(t, err)

	tenant, err := s.SearchTenant(context.Background(), boot.SessionID, "example")
	require.NoError(t, err)
	assert.Equal(t, providertest.DefaultTenantID, tenant.ID)

	_, err = s.SearchTenant(context.Background(), boot.SessionID, "no such school")
	require.ErrorIs(t, err, transport.ErrSchoolNotFound)
}

func TestSubmitChallengeEchoesAntiForgeryToken(t *testing.T) {
	p := providertest.New()
	defer p.Close()
	s := newSender(t, p.Config())

	boot, err := s.StartLogin(context.Background())
	require.NoError(t, err)

	payload := transport.ChallengePayload{
		SessionID: boot.SessionID,
		ReturnURL: boot.ReturnURL,
		AuthCode:  boot.AuthCode,
		Tenant:    providertest.DefaultTenantID,
	}
	res, err := s.SubmitChallenge(context.Background(), transport.ChallengeTenant, payload)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	// A stale auth code is rejected by the provider, not by the
	// transport: the raw status comes back unclassified.
	payload.AuthCode = "stale"
	res, err = s.SubmitChallenge(context.Background(), transport.ChallengeTenant, payload)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestTokenFromFragment(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		want    string
		wantErr bool
	}{
		{
			name: "token present",
			url:  "https://example.net/cb#access_token=abc123&token_type=Bearer",
			want: "Bearer abc123",
		},
		{
			name:    "token absent",
			url:     "https://example.net/cb#token_type=Bearer&state=xyz",
			wantErr: true,
		},
		{
			name:    "no fragment",
			url:     "https://example.net/cb",
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := transport.TokenFromFragment(tc.url)
			if tc.wantErr {
				require.ErrorIs(t, err, transport.ErrParse)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

// runFullChallengeSequence drives the fake provider through all three
// challenges so the token endpoints unlock.
func runFullChallengeSequence(t *testing.T, s *transport.Sender) {
	t.Helper()
	ctx := context.Background()

	boot, err := s.StartLogin(ctx)
	require.NoError(t, err)

	tenant, err := s.SearchTenant(ctx, boot.SessionID, providertest.DefaultSchool)
	require.NoError(t, err)

	base := transport.ChallengePayload{
		SessionID: boot.SessionID,
		ReturnURL: boot.ReturnURL,
		AuthCode:  boot.AuthCode,
	}

	tenantPayload := base
	tenantPayload.Tenant = tenant.ID
	res, err := s.SubmitChallenge(ctx, transport.ChallengeTenant, tenantPayload)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)

	userPayload := base
	userPayload.Username = providertest.DefaultUsername
	res, err = s.SubmitChallenge(ctx, transport.ChallengeUsername, userPayload)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)

	passPayload := base
	passPayload.Password = providertest.DefaultPassword
	res, err = s.SubmitChallenge(ctx, transport.ChallengePassword, passPayload)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
}

func TestTokenAndResolutionChain(t *testing.T) {
	p := providertest.New()
	defer p.Close()
	s := newSender(t, p.Config())
	ctx := context.Background()

	runFullChallengeSequence(t, s)

	profileToken, err := s.FetchProfileToken(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(profileToken, "Bearer "))

	apiBase, err := s.ResolveAPIBaseURL(ctx, profileToken)
	require.NoError(t, err)
	assert.Equal(t, p.Server.URL+"/api", apiBase)

	appToken, err := s.FetchAppToken(ctx, apiBase)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(appToken, "Bearer "))
	assert.NotEqual(t, profileToken, appToken)

	accountID, err := s.ResolveAccountID(ctx, appToken, apiBase)
	require.NoError(t, err)
	assert.Equal(t, providertest.DefaultAccount, accountID)

	personID, err := s.ResolvePersonID(ctx, appToken, apiBase, accountID)
	require.NoError(t, err)
	assert.Equal(t, providertest.DefaultPerson, personID)
}

func TestResolveAPIBaseURLUnauthorized(t *testing.T) {
	p := providertest.New()
	defer p.Close()
	s := newSender(t, p.Config())

	_, err := s.ResolveAPIBaseURL(context.Background(), "Bearer forged")
	require.ErrorIs(t, err, transport.ErrDiscovery)
}

func TestResolveAccountIDUnauthorized(t *testing.T) {
	p := providertest.New()
	defer p.Close()
	s := newSender(t, p.Config())

	_, err := s.ResolveAccountID(context.Background(), "Bearer forged", p.Server.URL+"/api")
	require.ErrorIs(t, err, transport.ErrResolution)
}

func TestResolveMissingRelation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"links":{}}`))
	}))
	defer srv.Close()

	cfg := config.Default()
	s := newSender(t, cfg)

	_, err := s.ResolveAccountID(context.Background(), "Bearer t", srv.URL)
	require.ErrorIs(t, err, transport.ErrResolution)
}
