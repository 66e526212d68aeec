package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h3ll0u/go-magister/session"
	"github.com/h3ll0u/go-magister/transport"
	"github.com/h3ll0u/go-magister/transport/providertest"
)

// fixture pairs a fake provider with a session pointed at it.
type fixture struct {
	provider *providertest.Provider
	session  *session.Session
}

func newFixture(t *testing.T, opts ...session.Option) *fixture {
	t.Helper()
	p := providertest.New()
	t.Cleanup(p.Close)

	opts = append([]session.Option{session.WithConfig(p.Config())}, opts...)
	s, err := session.New(opts...)
	require.NoError(t, err)
	return &fixture{provider: p, session: s}
}

func (f *fixture) login(t *testing.T) {
	t.Helper()
	ok, err := f.session.Login(context.Background(), providertest.DefaultSchool, providertest.DefaultUsername, providertest.DefaultPassword)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLoginHappyPath(t *testing.T) {
	f := newFixture(t)

	ok, err := f.session.Login(context.Background(), providertest.DefaultSchool, providertest.DefaultUsername, providertest.DefaultPassword)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, session.Authenticated, f.session.State())
	assert.True(t, f.session.IsAuthenticated())
	assert.Equal(t, providertest.DefaultTenantID, f.session.TenantID())
	assert.True(t, f.session.TokenExpiry().After(time.Now()), "app token should carry a future expiry")
}

func TestStepwiseLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.session.SubmitSchool(ctx, "example"))
	assert.Equal(t, session.SchoolSet, f.session.State())

	require.NoError(t, f.session.SubmitUsername(ctx, providertest.DefaultUsername))
	assert.Equal(t, session.UsernameSet, f.session.State())

	require.NoError(t, f.session.SubmitPassword(ctx, providertest.DefaultPassword))
	assert.Equal(t, session.Authenticated, f.session.State())
}

func TestStepsOutOfOrder(t *testing.T) {
	t.Run("username before school", func(t *testing.T) {
		f := newFixture(t)
		err := f.session.SubmitUsername(context.Background(), providertest.DefaultUsername)
		require.ErrorIs(t, err, session.ErrSequence)
		// Sequence violations do not burn the session.
		assert.Equal(t, session.Unauthenticated, f.session.State())
	})

	t.Run("password before school", func(t *testing.T) {
		f := newFixture(t)
		err := f.session.SubmitPassword(context.Background(), providertest.DefaultPassword)
		require.ErrorIs(t, err, session.ErrSequence)
		assert.Equal(t, session.Unauthenticated, f.session.State())
	})

	t.Run("password before username", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.session.SubmitSchool(context.Background(), "example"))
		err := f.session.SubmitPassword(context.Background(), providertest.DefaultPassword)
		require.ErrorIs(t, err, session.ErrSequence)
	})

	t.Run("school twice", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.session.SubmitSchool(context.Background(), "example"))
		err := f.session.SubmitSchool(context.Background(), "example")
		require.ErrorIs(t, err, session.ErrSequence)
	})
}

func TestLoginWrongPassword(t *testing.T) {
	f := newFixture(t)

	ok, err := f.session.Login(context.Background(), providertest.DefaultSchool, providertest.DefaultUsername, "wrong")
	require.ErrorIs(t, err, session.ErrIncorrectCredentials)
	assert.False(t, ok)
	assert.Equal(t, session.Failed, f.session.State())
	assert.True(t, f.session.TokenExpiry().IsZero(), "no app token may be resolved after a rejected password")
}

func TestLoginWrongPasswordSuppressed(t *testing.T) {
	f := newFixture(t, session.WithSuppressedErrors(true))

	ok, err := f.session.Login(context.Background(), providertest.DefaultSchool, providertest.DefaultUsername, "wrong")
	require.NoError(t, err)
	assert.False(t, ok)
	// Suppression is a reporting choice, not a state-machine one.
	assert.Equal(t, session.Failed, f.session.State())
}

func TestLoginUnknownSchool(t *testing.T) {
	f := newFixture(t)

	ok, err := f.session.Login(context.Background(), "no such school", providertest.DefaultUsername, providertest.DefaultPassword)
	require.ErrorIs(t, err, transport.ErrSchoolNotFound)
	assert.False(t, ok)
	assert.Equal(t, session.Failed, f.session.State())
}

func TestLoginUnknownUsername(t *testing.T) {
	f := newFixture(t)

	ok, err := f.session.Login(context.Background(), providertest.DefaultSchool, "mallory", providertest.DefaultPassword)
	require.ErrorIs(t, err, session.ErrIncorrectCredentials)
	assert.False(t, ok)
	assert.Equal(t, session.Failed, f.session.State())
}

func TestFailedSessionRejectsFurtherSteps(t *testing.T) {
	f := newFixture(t)

	_, err := f.session.Login(context.Background(), providertest.DefaultSchool, providertest.DefaultUsername, "wrong")
	require.Error(t, err)

	err = f.session.SubmitUsername(context.Background(), providertest.DefaultUsername)
	require.ErrorIs(t, err, session.ErrSequence)
	_, err = f.session.FetchGrades(context.Background(), 1, 0)
	require.ErrorIs(t, err, session.ErrNotAuthenticated)
}

func TestFetchScheduleProjectionAndIdempotence(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	ctx := context.Background()

	first, err := f.session.FetchSchedule(ctx, "2024-11-03", "2024-11-10", false)
	require.NoError(t, err)
	require.Len(t, first, 2)
	for _, item := range first {
		assert.NotContains(t, item, "Links")
		assert.NotContains(t, item, "Id")
		assert.Contains(t, item, "Start")
	}
	assert.Equal(t, "Wiskunde", first[0]["Omschrijving"], "server order must be preserved")

	second, err := f.session.FetchSchedule(ctx, "2024-11-03", "2024-11-10", false)
	require.NoError(t, err)
	assert.Equal(t, first, second, "identical reads must yield identical results")
}

func TestFetchScheduleChanges(t *testing.T) {
	f := newFixture(t)
	f.login(t)

	items, err := f.session.FetchSchedule(context.Background(), "2024-11-03", "2024-11-10", true)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.NotContains(t, items[0], "Links")
	assert.NotContains(t, items[0], "Id")
	assert.Equal(t, "Uitval: Engels", items[0]["Omschrijving"])
}

func TestFetchGrades(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	ctx := context.Background()

	items, err := f.session.FetchGrades(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.NotContains(t, items[0], "kolomId")
	assert.Equal(t, "7.8", items[0]["waarde"], "most recent grade comes first")

	paged, err := f.session.FetchGrades(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, "6.5", paged[0]["waarde"])
}

func TestFetchBeforeLogin(t *testing.T) {
	t.Run("propagating", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.session.FetchSchedule(context.Background(), "2024-11-03", "2024-11-10", false)
		require.ErrorIs(t, err, session.ErrNotAuthenticated)

		_, err = f.session.FetchGrades(context.Background(), 1, 0)
		require.ErrorIs(t, err, session.ErrNotAuthenticated)
	})

	t.Run("suppressed", func(t *testing.T) {
		f := newFixture(t, session.WithSuppressedErrors(true))
		items, err := f.session.FetchSchedule(context.Background(), "2024-11-03", "2024-11-10", false)
		require.NoError(t, err)
		assert.Empty(t, items)
	})
}

func TestFetchAPIError(t *testing.T) {
	f := newFixture(t)
	f.login(t)

	f.provider.DataStatus = 503
	_, err := f.session.FetchGrades(context.Background(), 1, 0)

	var apiErr *transport.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 503, apiErr.StatusCode)
}

func TestConcurrentTransitionsRejected(t *testing.T) {
	f := newFixture(t)
	f.provider.RootDelay = 500 * time.Millisecond

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = f.session.Login(context.Background(), providertest.DefaultSchool, providertest.DefaultUsername, providertest.DefaultPassword)
	}()

	// Let the login reach the stalled root request before overlapping.
	time.Sleep(100 * time.Millisecond)
	err := f.session.SubmitUsername(context.Background(), providertest.DefaultUsername)
	require.ErrorIs(t, err, session.ErrConcurrentAccess)
	wg.Wait()
}

func TestDistinctSessionsAreIndependent(t *testing.T) {
	p := providertest.New()
	t.Cleanup(p.Close)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		s, err := session.New(session.WithConfig(p.Config()))
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Login(context.Background(), providertest.DefaultSchool, providertest.DefaultUsername, providertest.DefaultPassword)
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}
	wg.Wait()
}
