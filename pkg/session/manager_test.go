package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"

	"github.com/entrhq/schedgeup/pkg/browser"
	"github.com/entrhq/schedgeup/pkg/browser/browsertest"
	"github.com/entrhq/schedgeup/pkg/logging"
)

const targetURL = "https://www.schedgeup.com/theatres/42/assignments"

var errRejected = errors.New("credentials rejected")

type mockAuthenticator struct {
	mock.Mock
}

func (m *mockAuthenticator) Login(ctx context.Context, page browser.Page) error {
	args := m.Called(ctx, page)
	return args.Error(0)
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleeper) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type fixture struct {
	driver  *browsertest.Driver
	auth    *mockAuthenticator
	sleeper *recordingSleeper
	reg     *prometheus.Registry
	logs    *observer.ObservedLogs
	manager *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	auth := &mockAuthenticator{}
	f := newFixtureWithAuth(t, auth)
	f.auth = auth
	return f
}

func newFixtureWithAuth(t *testing.T, auth Authenticator) *fixture {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	f := &fixture{
		driver:  browsertest.NewDriver(),
		sleeper: &recordingSleeper{},
		reg:     prometheus.NewRegistry(),
		logs:    logs,
	}
	f.manager = NewManager(f.driver, auth, Options{
		Launch:            browser.LaunchOptions{Headless: true},
		NavigationTimeout: time.Second,
		Sleeper:           f.sleeper.Sleep,
		Registerer:        f.reg,
		Logger:            logging.NewWithCore("session", core),
	})
	t.Cleanup(func() { _ = f.manager.Close() })
	return f
}

// ready starts the session with every login succeeding.
func (f *fixture) ready(t *testing.T) {
	t.Helper()
	f.auth.On("Login", mock.Anything, mock.Anything).Return(nil)
	require.NoError(t, f.manager.EnsureSession(context.Background()))
}

func (f *fixture) checkout(t *testing.T) *Lease {
	t.Helper()
	lease, err := f.manager.Checkout(context.Background())
	require.NoError(t, err)
	return lease
}

func leasedPageID(t *testing.T, lease *Lease) int {
	t.Helper()
	page, err := lease.Page()
	require.NoError(t, err)
	return page.(*browsertest.Page).ID
}

func TestManager_EnsureSessionIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.ready(t)

	require.NoError(t, f.manager.EnsureSession(context.Background()))

	assert.Equal(t, 1, f.driver.Launches())
	assert.Len(t, f.driver.AllPages(), 1)
	f.auth.AssertNumberOfCalls(t, "Login", 1)
	assert.True(t, f.manager.Authenticated())
}

func TestManager_PageConfiguration(t *testing.T) {
	f := newFixture(t)
	f.ready(t)

	opts := f.driver.AllPages()[0].Options
	assert.Equal(t, browser.Viewport{Width: 640, Height: 480}, opts.Viewport)
	assert.Equal(t, time.Second, opts.NavigationTimeout)
	assert.NotNil(t, opts.OnConsole)
	assert.NotNil(t, opts.OnCrash)
	assert.True(t, f.driver.Browsers()[0].Options.Headless)
}

func TestManager_EnsureSessionFailures(t *testing.T) {
	t.Run("launch", func(t *testing.T) {
		f := newFixture(t)
		f.driver.LaunchErr = errors.New("no chromium")

		err := f.manager.EnsureSession(context.Background())
		var createErr *CreationError
		require.ErrorAs(t, err, &createErr)
		assert.Equal(t, OpLaunch, createErr.Op)
		assert.ErrorIs(t, err, ErrSessionCreation)
		f.auth.AssertNotCalled(t, "Login", mock.Anything, mock.Anything)
	})

	t.Run("login", func(t *testing.T) {
		f := newFixture(t)
		f.auth.On("Login", mock.Anything, mock.Anything).Return(errRejected).Once()

		err := f.manager.EnsureSession(context.Background())
		var createErr *CreationError
		require.ErrorAs(t, err, &createErr)
		assert.Equal(t, OpLogin, createErr.Op)
		assert.ErrorIs(t, err, errRejected)
		assert.False(t, f.manager.Authenticated())
		assert.True(t, f.driver.AllPages()[0].Closed())

		_, err = f.manager.Checkout(context.Background())
		assert.ErrorIs(t, err, ErrSessionNotInitialized)

		// A later attempt may still succeed
		f.auth.On("Login", mock.Anything, mock.Anything).Return(nil)
		require.NoError(t, f.manager.EnsureSession(context.Background()))
		assert.Equal(t, 1, f.driver.Launches())
	})
}

func TestManager_CheckoutBeforeEnsureSession(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Checkout(context.Background())
	assert.ErrorIs(t, err, ErrSessionNotInitialized)
}

func TestManager_Checkin(t *testing.T) {
	f := newFixture(t)
	f.ready(t)

	lease := f.checkout(t)
	require.NoError(t, f.manager.Checkin(lease))

	assert.ErrorIs(t, f.manager.Checkin(lease), ErrGrantNotHeld)
	assert.ErrorIs(t, f.manager.Checkin(nil), ErrGrantNotHeld)

	_, err := lease.Page()
	assert.ErrorIs(t, err, ErrLeaseReleased)
	assert.ErrorIs(t, f.manager.Navigate(context.Background(), lease, targetURL), ErrLeaseReleased)
	assert.Empty(t, f.driver.Visits())
}

func TestManager_NavigateFirstAttempt(t *testing.T) {
	f := newFixture(t)
	f.ready(t)
	lease := f.checkout(t)

	require.NoError(t, f.manager.Navigate(context.Background(), lease, targetURL))

	assert.Len(t, f.driver.Visits(), 1)
	assert.Empty(t, f.sleeper.Delays())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.manager.metrics.attempts.WithLabelValues("0", "success")))
}

func TestManager_NavigateRecoversWithBackoff(t *testing.T) {
	f := newFixture(t)
	f.ready(t)
	f.driver.GotoFunc = browsertest.FailN(targetURL, 2, browser.ErrTimeout)
	lease := f.checkout(t)
	before := leasedPageID(t, lease)

	require.NoError(t, f.manager.Navigate(context.Background(), lease, targetURL))

	assert.Equal(t, []time.Duration{2 * time.Second, 5 * time.Second}, f.sleeper.Delays())
	visits := f.driver.VisitsTo(targetURL)
	require.Len(t, visits, 3)
	for _, v := range visits {
		assert.Equal(t, before, v.PageID, "backoff retries stay on the same page")
	}
	assert.Equal(t, before, leasedPageID(t, lease))
	f.auth.AssertNumberOfCalls(t, "Login", 1)

	// The next navigation starts over at tier 0
	require.NoError(t, f.manager.Navigate(context.Background(), lease, targetURL))
	assert.Len(t, f.sleeper.Delays(), 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.manager.metrics.attempts.WithLabelValues("1", "timeout")))
}

func TestManager_NavigateResetsPageAndKeepsGrant(t *testing.T) {
	f := newFixture(t)
	f.driver.GotoFunc = browsertest.FailN(targetURL, 3, browser.ErrTimeout)

	f.auth.On("Login", mock.Anything, mock.Anything).Return(nil).Once()
	require.NoError(t, f.manager.EnsureSession(context.Background()))

	lease := f.checkout(t)
	before := leasedPageID(t, lease)

	// A second caller queues behind A
	admitted := make(chan *Lease, 1)
	go func() {
		b, err := f.manager.Checkout(context.Background())
		if assert.NoError(t, err) {
			admitted <- b
		}
	}()
	require.Eventually(t, func() bool { return f.manager.arbiter.Waiting() == 1 }, time.Second, time.Millisecond)

	var duringReset struct {
		holdsA  bool
		active  int
		waiting int
	}
	f.auth.On("Login", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		duringReset.holdsA = f.manager.arbiter.Holds(lease.Grant())
		duringReset.active = f.manager.arbiter.Active()
		duringReset.waiting = f.manager.arbiter.Waiting()
	}).Return(nil).Once()

	require.NoError(t, f.manager.Navigate(context.Background(), lease, targetURL))

	f.auth.AssertNumberOfCalls(t, "Login", 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.manager.metrics.resets.WithLabelValues("page", "success")))
	assert.Equal(t, []time.Duration{2 * time.Second, 5 * time.Second}, f.sleeper.Delays())

	assert.False(t, duringReset.holdsA, "grant is handed to the rebuild")
	assert.Equal(t, 1, duringReset.active)
	assert.Equal(t, 1, duringReset.waiting, "queued caller must not be admitted during the reset")

	assert.True(t, f.manager.arbiter.Holds(lease.Grant()), "A holds its original grant afterwards")
	visits := f.driver.VisitsTo(targetURL)
	require.Len(t, visits, 4)
	after := leasedPageID(t, lease)
	assert.NotEqual(t, before, after)
	assert.Equal(t, after, visits[3].PageID)
	assert.True(t, f.driver.AllPages()[0].Closed())
	assert.Equal(t, 1, f.driver.Launches(), "page reset keeps the browser")

	select {
	case <-admitted:
		t.Fatal("second caller admitted while A holds the page")
	default:
	}
	require.NoError(t, f.manager.Checkin(lease))
	b := <-admitted
	assert.Equal(t, after, leasedPageID(t, b))
	require.NoError(t, f.manager.Checkin(b))
}

func TestManager_NavigateExhausted(t *testing.T) {
	f := newFixture(t)
	f.ready(t)
	f.driver.GotoFunc = func(*browsertest.Page, string) error { return browser.ErrTimeout }
	lease := f.checkout(t)

	err := f.manager.Navigate(context.Background(), lease, targetURL)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.ErrorIs(t, err, ErrNavigationExhausted)
	assert.Equal(t, 6, exhausted.Attempts)
	assert.Equal(t, targetURL, exhausted.URL)

	var navErr *NavigationError
	require.ErrorAs(t, err, &navErr)
	assert.Equal(t, KindTimeout, navErr.Kind)
	assert.Equal(t, MaxTier, navErr.Tier)

	assert.Len(t, f.driver.VisitsTo(targetURL), 6, "never a seventh attempt")
	// initial login, two page resets, one browser relaunch
	f.auth.AssertNumberOfCalls(t, "Login", 4)
	assert.Equal(t, 2, f.driver.Launches())
	assert.True(t, f.driver.Browsers()[0].Closed())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.manager.metrics.exhausted))

	// The lease survives exhaustion
	assert.True(t, f.manager.arbiter.Holds(lease.Grant()))
}

func TestManager_LoginRejectedAfterReset(t *testing.T) {
	f := newFixture(t)
	f.driver.GotoFunc = browsertest.FailN(targetURL, 3, browser.ErrTimeout)
	f.auth.On("Login", mock.Anything, mock.Anything).Return(nil).Once()
	require.NoError(t, f.manager.EnsureSession(context.Background()))
	f.auth.On("Login", mock.Anything, mock.Anything).Return(errRejected)
	lease := f.checkout(t)

	err := f.manager.Navigate(context.Background(), lease, targetURL)

	var createErr *CreationError
	require.ErrorAs(t, err, &createErr)
	assert.Equal(t, OpLogin, createErr.Op)
	assert.ErrorIs(t, err, ErrSessionCreation)
	assert.Len(t, f.driver.VisitsTo(targetURL), 3, "no navigation after the rejected login")
	f.auth.AssertNumberOfCalls(t, "Login", 2)
	assert.False(t, f.manager.Authenticated())
	assert.True(t, f.manager.arbiter.Holds(lease.Grant()))

	_, err = lease.Page()
	assert.ErrorIs(t, err, ErrNoPage)
}

func TestManager_PageResetRetriedBeforeRelaunch(t *testing.T) {
	f := newFixture(t)

	// The page opened by the tier 3 reset fails once; tier 4 resets again
	f.driver.NewPageFunc = func(n int) error {
		if n == 2 {
			return errors.New("target closed")
		}
		return nil
	}
	f.ready(t)

	f.driver.GotoFunc = browsertest.FailN(targetURL, 3, browser.ErrTimeout)
	lease := f.checkout(t)

	require.NoError(t, f.manager.Navigate(context.Background(), lease, targetURL))

	assert.Equal(t, 1, f.driver.Launches(), "no relaunch after one failed page reset")
	assert.Equal(t, []time.Duration{2 * time.Second, 5 * time.Second}, f.sleeper.Delays())
	visits := f.driver.VisitsTo(targetURL)
	require.Len(t, visits, 4)
	assert.Equal(t, leasedPageID(t, lease), visits[3].PageID)
	f.auth.AssertNumberOfCalls(t, "Login", 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.manager.metrics.resets.WithLabelValues("page", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.manager.metrics.resets.WithLabelValues("page", "success")))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.manager.metrics.resets.WithLabelValues("browser", "success")))
}

func TestManager_DeadBrowserRelaunched(t *testing.T) {
	f := newFixture(t)
	f.ready(t)
	lease := f.checkout(t)

	// The browser died under the page: no new page until it is relaunched
	first := f.driver.Browsers()[0]
	require.NoError(t, first.Close())

	require.NoError(t, f.manager.Navigate(context.Background(), lease, targetURL))

	assert.Equal(t, 2, f.driver.Launches())
	assert.Empty(t, f.sleeper.Delays())
	visits := f.driver.VisitsTo(targetURL)
	require.Len(t, visits, 2, "closed page at tier 0, relaunched browser at tier 5")
	assert.Equal(t, leasedPageID(t, lease), visits[1].PageID)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.manager.metrics.resets.WithLabelValues("page", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.manager.metrics.resets.WithLabelValues("browser", "success")))
}

func TestManager_RelaunchFailureSurfaces(t *testing.T) {
	var (
		f      *fixture
		logins int
	)
	// Every page reset works; the browser relaunch does not
	f = newFixtureWithAuth(t, AuthenticatorFunc(func(context.Context, browser.Page) error {
		logins++
		if logins == 3 {
			f.driver.LaunchErr = errors.New("no chromium")
		}
		return nil
	}))
	require.NoError(t, f.manager.EnsureSession(context.Background()))
	f.driver.GotoFunc = func(*browsertest.Page, string) error { return browser.ErrTimeout }
	lease := f.checkout(t)

	err := f.manager.Navigate(context.Background(), lease, targetURL)

	var createErr *CreationError
	require.ErrorAs(t, err, &createErr)
	assert.Equal(t, OpLaunch, createErr.Op)
	assert.Len(t, f.driver.VisitsTo(targetURL), 5)
	assert.Equal(t, 3, logins)
}

func TestManager_NavigateHonoursContext(t *testing.T) {
	f := newFixture(t)
	f.ready(t)
	lease := f.checkout(t)

	ctx, cancel := context.WithCancel(context.Background())
	f.driver.GotoFunc = func(*browsertest.Page, string) error {
		cancel()
		return browser.ErrTimeout
	}

	err := f.manager.Navigate(ctx, lease, targetURL)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, f.driver.VisitsTo(targetURL), 1)
	assert.Empty(t, f.sleeper.Delays())
}

func TestManager_CrashedPage(t *testing.T) {
	f := newFixture(t)
	f.ready(t)
	lease := f.checkout(t)
	before := leasedPageID(t, lease)

	f.driver.AllPages()[0].Crash()
	assert.False(t, f.manager.Authenticated())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.manager.metrics.crashes))

	require.NoError(t, f.manager.Navigate(context.Background(), lease, targetURL))

	// The attempt on the dead page never reaches it; the page is rebuilt
	// without waiting out the backoff tiers
	visits := f.driver.VisitsTo(targetURL)
	require.Len(t, visits, 1)
	assert.NotEqual(t, before, visits[0].PageID)
	assert.Equal(t, leasedPageID(t, lease), visits[0].PageID)
	assert.Empty(t, f.sleeper.Delays())
	assert.True(t, f.manager.Authenticated())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.manager.metrics.resets.WithLabelValues("page", "success")))
}

func TestManager_CrashDuringNavigation(t *testing.T) {
	f := newFixture(t)
	f.ready(t)
	lease := f.checkout(t)

	f.driver.GotoFunc = browsertest.FailN(targetURL, 1, browser.ErrPageCrashed)

	require.NoError(t, f.manager.Navigate(context.Background(), lease, targetURL))

	visits := f.driver.VisitsTo(targetURL)
	require.Len(t, visits, 2)
	assert.Equal(t, 1, visits[0].PageID)
	assert.Equal(t, 2, visits[1].PageID)
	assert.Empty(t, f.sleeper.Delays())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.manager.metrics.attempts.WithLabelValues("3", "success")))

	failed := f.logs.FilterMessage("Navigation attempt failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, int64(0), failed[0].ContextMap()["tier"])
	assert.Equal(t, string(KindCrash), failed[0].ContextMap()["kind"])
}

func TestManager_WithPage(t *testing.T) {
	f := newFixture(t)
	f.ready(t)

	err := f.manager.WithPage(context.Background(), func(lease *Lease) error {
		assert.Equal(t, 1, f.manager.arbiter.Active())
		return f.manager.Navigate(context.Background(), lease, targetURL)
	})
	require.NoError(t, err)
	assert.Equal(t, 0, f.manager.arbiter.Active())

	errBoom := errors.New("boom")
	err = f.manager.WithPage(context.Background(), func(*Lease) error { return errBoom })
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 0, f.manager.arbiter.Active())
}

func TestManager_WithPageReleasesOnPanic(t *testing.T) {
	f := newFixture(t)
	f.ready(t)

	assert.Panics(t, func() {
		_ = f.manager.WithPage(context.Background(), func(*Lease) error {
			panic("extractor bug")
		})
	})
	assert.Equal(t, 0, f.manager.arbiter.Active())

	lease := f.checkout(t)
	require.NoError(t, f.manager.Checkin(lease))
}

func TestManager_WithPageRepairsBrokenSession(t *testing.T) {
	f := newFixture(t)
	f.ready(t)
	f.driver.AllPages()[0].Crash()

	err := f.manager.WithPage(context.Background(), func(lease *Lease) error {
		assert.Equal(t, 2, leasedPageID(t, lease))
		return nil
	})
	require.NoError(t, err)
	f.auth.AssertNumberOfCalls(t, "Login", 2)
}

func TestManager_ConsoleForwarding(t *testing.T) {
	f := newFixture(t)
	f.ready(t)
	page := f.driver.AllPages()[0]

	page.Console("info", "hello")
	page.Console("error", "ignored")
	page.Console("log", "ignored too")
	page.Console("dir", "object")

	var forwarded []string
	for _, entry := range f.logs.FilterMessageSnippet("[browser]").All() {
		forwarded = append(forwarded, entry.Message)
	}
	assert.Equal(t, []string{"[browser] hello", "[browser] object"}, forwarded)
}

func TestManager_ConcurrentCallers(t *testing.T) {
	f := newFixture(t)
	f.ready(t)

	var (
		mu      sync.Mutex
		holding int
		maxHeld int
	)
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			return f.manager.WithPage(ctx, func(lease *Lease) error {
				mu.Lock()
				holding++
				if holding > maxHeld {
					maxHeld = holding
				}
				mu.Unlock()

				err := f.manager.Navigate(ctx, lease, targetURL)

				mu.Lock()
				holding--
				mu.Unlock()
				return err
			})
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 1, maxHeld)
	assert.Len(t, f.driver.VisitsTo(targetURL), 8)
}

func TestManager_Close(t *testing.T) {
	f := newFixture(t)
	f.ready(t)

	require.NoError(t, f.manager.Close())
	assert.True(t, f.driver.Stopped())
	assert.True(t, f.driver.AllPages()[0].Closed())
	assert.True(t, f.driver.Browsers()[0].Closed())

	_, err := f.manager.Checkout(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, f.manager.ResetPage(context.Background(), nil), ErrClosed)
}

func TestManager_ResetWithoutLease(t *testing.T) {
	f := newFixture(t)
	f.ready(t)

	require.NoError(t, f.manager.ResetBrowser(context.Background(), nil))

	assert.Equal(t, 2, f.driver.Launches())
	assert.Equal(t, 0, f.manager.arbiter.Active())
	assert.True(t, f.manager.Authenticated())
}
