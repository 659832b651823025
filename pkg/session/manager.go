package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/entrhq/schedgeup/pkg/browser"
	"github.com/entrhq/schedgeup/pkg/logging"
)

// Authenticator logs the operator in on a freshly created page.
type Authenticator interface {
	Login(ctx context.Context, page browser.Page) error
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, page browser.Page) error

// Login calls f.
func (f AuthenticatorFunc) Login(ctx context.Context, page browser.Page) error {
	return f(ctx, page)
}

// Sleeper waits for d or until ctx ends, whichever comes first.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the real-time Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Options configures a Manager.
type Options struct {
	// Launch configures the browser process
	Launch browser.LaunchOptions

	// Viewport of the shared page. Zero means 640x480.
	Viewport browser.Viewport

	// NavigationTimeout bounds one navigation attempt. Zero means 60s.
	NavigationTimeout time.Duration

	// NavigationRate caps navigation attempts per second. Zero disables it.
	NavigationRate float64

	// IgnoreHTTPSErrors accepts invalid certificates
	IgnoreHTTPSErrors bool

	// Filter aborts requests the scraper has no use for
	Filter *browser.RequestFilter

	// Schedule holds the escalation backoffs. Zero means DefaultSchedule.
	Schedule Schedule

	// Sleeper implements backoff waits. nil means SleepContext.
	Sleeper Sleeper

	// Registerer receives the session metrics. nil skips registration.
	Registerer prometheus.Registerer

	// Logger receives session events. nil discards them.
	Logger *logging.Logger
}

// Manager owns the single authenticated page shared by every scraper
// operation. Callers get exclusive, FIFO-ordered access to it through
// Checkout/Checkin (or WithPage) and navigate through Navigate, which
// recovers from failures by escalating through retries, backoffs, page
// rebuilds and browser relaunches.
type Manager struct {
	driver    browser.Driver
	auth      Authenticator
	opts      Options
	log       *logging.Logger
	arbiter   *Arbiter
	navigator *Navigator
	escalator Escalator
	sleep     Sleeper
	metrics   *metrics

	// mu guards the fields below. Rebuilds swap them while holding a grant,
	// so only the grant holder ever sees a page change under it.
	mu            sync.Mutex
	browser       browser.Browser
	page          browser.Page
	authenticated bool
	initialized   bool
	closed        bool
}

// NewManager creates a manager. No browser is started until EnsureSession.
func NewManager(driver browser.Driver, auth Authenticator, opts Options) *Manager {
	if opts.Viewport.Width == 0 || opts.Viewport.Height == 0 {
		opts.Viewport = browser.Viewport{
			Width:  browser.DefaultViewportWidth,
			Height: browser.DefaultViewportHeight,
		}
	}
	if opts.NavigationTimeout == 0 {
		opts.NavigationTimeout = browser.DefaultNavigationTimeout
	}
	if opts.Schedule == (Schedule{}) {
		opts.Schedule = DefaultSchedule
	}
	if opts.Sleeper == nil {
		opts.Sleeper = SleepContext
	}
	log := opts.Logger
	if log == nil {
		log = logging.NewNop()
	}

	return &Manager{
		driver:    driver,
		auth:      auth,
		opts:      opts,
		log:       log,
		arbiter:   NewArbiter(),
		navigator: NewNavigator(opts.NavigationTimeout, opts.NavigationRate),
		escalator: NewEscalator(opts.Schedule),
		sleep:     opts.Sleeper,
		metrics:   newMetrics(opts.Registerer),
	}
}

// EnsureSession makes sure an authenticated page exists, creating the
// browser, the page and the login as needed. It is idempotent and waits its
// turn behind current page holders.
func (m *Manager) EnsureSession(ctx context.Context) error {
	if m.ready() {
		return nil
	}

	g, err := m.arbiter.Acquire(ctx)
	if err != nil {
		return err
	}
	defer m.arbiter.Release(g)

	// Built by an earlier caller while we were queued
	if m.ready() {
		return nil
	}

	m.log.Infof("Creating session")
	if err := m.rebuild(ctx, false); err != nil {
		m.log.Errorf("Session creation failed: %v", err)
		return err
	}
	m.log.Infof("Session ready")
	return nil
}

// Checkout blocks until the caller has exclusive use of the page.
func (m *Manager) Checkout(ctx context.Context) (*Lease, error) {
	m.mu.Lock()
	initialized, closed := m.initialized, m.closed
	m.mu.Unlock()

	if closed {
		return nil, ErrClosed
	}
	if !initialized {
		return nil, ErrSessionNotInitialized
	}

	start := time.Now()
	g, err := m.arbiter.Acquire(ctx)
	m.metrics.acquireWait.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return &Lease{manager: m, grant: g}, nil
}

// Checkin gives the page back. The lease is unusable afterwards; a second
// Checkin fails with ErrGrantNotHeld.
func (m *Manager) Checkin(lease *Lease) error {
	if lease == nil || lease.manager != m {
		return ErrGrantNotHeld
	}
	return m.arbiter.Release(lease.grant)
}

// WithPage runs fn with exclusive use of the page. The page is checked in
// on every exit path, including a panic in fn. A page left unusable by an
// earlier failure is rebuilt before fn runs.
func (m *Manager) WithPage(ctx context.Context, fn func(lease *Lease) error) (err error) {
	lease, err := m.Checkout(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if checkinErr := m.Checkin(lease); checkinErr != nil && err == nil {
			err = checkinErr
		}
	}()

	if err := m.repair(ctx, lease); err != nil {
		return err
	}
	return fn(lease)
}

// repair rebuilds a page that crashed or failed to come back from a reset.
func (m *Manager) repair(ctx context.Context, lease *Lease) error {
	if m.ready() {
		return nil
	}
	m.log.Warnf("Session unusable, rebuilding before use")
	if err := m.ResetPage(ctx, lease); err == nil {
		return nil
	}
	return m.ResetBrowser(ctx, lease)
}

// ResetPage replaces the page with a fresh, re-authenticated one, keeping
// the browser. A caller holding lease keeps its access throughout: the grant
// is handed to the rebuild and returned afterwards without admitting any
// waiter. With a nil lease the reset queues for access like any caller.
func (m *Manager) ResetPage(ctx context.Context, lease *Lease) error {
	return m.reset(ctx, lease, false)
}

// ResetBrowser closes and relaunches the browser, then rebuilds the page as
// ResetPage does.
func (m *Manager) ResetBrowser(ctx context.Context, lease *Lease) error {
	return m.reset(ctx, lease, true)
}

func (m *Manager) reset(ctx context.Context, lease *Lease, relaunch bool) (err error) {
	kind := "page"
	if relaunch {
		kind = "browser"
	}

	done, err := m.holdForReset(ctx, lease)
	if err != nil {
		return err
	}
	defer func() {
		if restoreErr := done(); restoreErr != nil && err == nil {
			err = restoreErr
		}
	}()

	m.log.Infof("Resetting %s", kind)
	err = m.rebuild(ctx, relaunch)
	m.metrics.reset(kind, err)
	if err != nil {
		m.log.Errorf("Reset of %s failed: %v", kind, err)
	}
	return err
}

// holdForReset gives the rebuild exclusive access and returns the function
// that ends it.
func (m *Manager) holdForReset(ctx context.Context, lease *Lease) (func() error, error) {
	if lease == nil {
		g, err := m.arbiter.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		return func() error { return m.arbiter.Release(g) }, nil
	}

	if lease.manager != m {
		return nil, ErrLeaseReleased
	}
	internal, err := m.arbiter.handoff(lease.grant)
	if err != nil {
		return nil, ErrLeaseReleased
	}
	return func() error { return m.arbiter.restore(internal, lease.grant) }, nil
}

// rebuild discards the page (and with relaunch the browser), then creates
// and authenticates a new page. The caller must hold a grant.
func (m *Manager) rebuild(ctx context.Context, relaunch bool) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	oldPage, oldBrowser := m.page, m.browser
	m.page = nil
	m.authenticated = false
	if relaunch {
		m.browser = nil
	}
	m.mu.Unlock()

	if oldPage != nil {
		if err := oldPage.Close(); err != nil {
			m.log.Debugf("Closing discarded page: %v", err)
		}
	}
	if relaunch && oldBrowser != nil {
		if err := oldBrowser.Close(); err != nil {
			m.log.Warnf("Closing discarded browser: %v", err)
		}
	}

	b, err := m.ensureBrowser()
	if err != nil {
		return err
	}

	ref := &pageRef{}
	page, err := b.NewPage(m.pageOptions(ref))
	if err != nil {
		return &CreationError{Op: OpPage, Err: err}
	}
	m.mu.Lock()
	ref.page = page
	m.mu.Unlock()

	if err := m.auth.Login(ctx, page); err != nil {
		_ = page.Close()
		return &CreationError{Op: OpLogin, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		_ = page.Close()
		return ErrClosed
	}
	m.page = page
	m.authenticated = true
	m.initialized = true
	return nil
}

func (m *Manager) ensureBrowser() (browser.Browser, error) {
	m.mu.Lock()
	b := m.browser
	m.mu.Unlock()
	if b != nil {
		return b, nil
	}

	m.log.Infof("Launching browser (headless=%t)", m.opts.Launch.Headless)
	b, err := m.driver.Launch(m.opts.Launch)
	if err != nil {
		return nil, &CreationError{Op: OpLaunch, Err: err}
	}

	m.mu.Lock()
	m.browser = b
	m.mu.Unlock()
	return b, nil
}

// pageRef lets a page's crash observer identify the page it belongs to.
type pageRef struct {
	page browser.Page
}

func (m *Manager) pageOptions(ref *pageRef) browser.PageOptions {
	return browser.PageOptions{
		Viewport:          m.opts.Viewport,
		NavigationTimeout: m.opts.NavigationTimeout,
		IgnoreHTTPSErrors: m.opts.IgnoreHTTPSErrors,
		Filter:            m.opts.Filter,
		OnConsole: func(kind, text string) {
			if kind == "info" || kind == "dir" {
				m.log.Infof("[browser] %s", text)
			}
		},
		OnCrash: func() {
			m.pageCrashed(ref)
		},
	}
}

func (m *Manager) pageCrashed(ref *pageRef) {
	m.metrics.crashes.Inc()

	m.mu.Lock()
	current := ref.page != nil && m.page == ref.page
	if current {
		m.authenticated = false
	}
	m.mu.Unlock()

	if current {
		m.log.Errorf("Page crashed, session will be rebuilt")
	}
}

// Navigate loads url on the leased page, recovering from failures. Early
// failures are retried with backoff; later ones rebuild the page and then
// the browser, re-authenticating each time. A crashed or closed page skips
// the backoff tiers. It returns nil once a load
// succeeds, an *ExhaustedError when every tier failed, a *CreationError when
// a rebuild's login is rejected or the browser cannot be relaunched, or ctx's
// error when ctx ends between attempts.
func (m *Manager) Navigate(ctx context.Context, lease *Lease, url string) error {
	if lease == nil || lease.manager != m || !m.arbiter.Holds(lease.grant) {
		return ErrLeaseReleased
	}

	var (
		last     error
		attempts int
	)
	for tier := Tier(0); ; tier++ {
		step := m.escalator.Next(tier)

		switch step.Action {
		case ActionGiveUp:
			m.metrics.exhausted.Inc()
			m.log.Errorf("Giving up on %s after %d attempts: %v", url, attempts, last)
			return &ExhaustedError{URL: url, Attempts: attempts, Last: last}

		case ActionBackoff:
			m.log.Infof("Retrying %s in %s (tier %d)", url, step.Delay, tier)
			if err := m.sleep(ctx, step.Delay); err != nil {
				return err
			}

		case ActionResetPage:
			if err := m.ResetPage(ctx, lease); err != nil {
				if !resettable(err) {
					return err
				}
				// The next tier resets again, or relaunches after tier 4
				m.log.Warnf("Page reset at tier %d failed: %v", tier, err)
				last = err
				continue
			}

		case ActionResetBrowser:
			if err := m.ResetBrowser(ctx, lease); err != nil {
				return err
			}
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		m.log.Infof("Navigating to %s (tier %d)", url, tier)
		err := m.navigator.Navigate(ctx, m.pageOrNil(), url)
		var navErr *NavigationError
		if err != nil && !errors.As(err, &navErr) {
			// Rate limiter gave up on ctx; no attempt was made
			return err
		}
		attempts++
		m.metrics.attempt(tier, err)
		if err == nil {
			if tier > 0 {
				m.log.Infof("Recovered navigation to %s at tier %d", url, tier)
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		navErr.Tier = tier
		m.log.Warnw("Navigation attempt failed", "url", url, "tier", int(tier), "kind", string(navErr.Kind), "error", err)
		last = err

		// A dead page cannot recover by waiting
		if navErr.Kind == KindCrash && tier < firstResetTier-1 {
			m.log.Warnf("Page unusable, skipping to reset")
			tier = firstResetTier - 1
		}
	}
}

// resettable reports whether a failed page reset may be followed by the next
// tier. Rejected logins and ended contexts may not.
func resettable(err error) bool {
	var createErr *CreationError
	if !errors.As(err, &createErr) {
		return false
	}
	return createErr.Op != OpLogin
}

// Authenticated reports whether the current page is logged in.
func (m *Manager) Authenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.page != nil && m.authenticated
}

// Close closes the page, the browser and the driver. The manager cannot be
// used afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	page, b := m.page, m.browser
	m.page, m.browser = nil, nil
	m.authenticated = false
	m.closed = true
	m.mu.Unlock()

	var errs []error
	if page != nil {
		if err := page.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if b != nil {
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.driver.Stop(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing session: %w", errors.Join(errs...))
	}
	return nil
}

func (m *Manager) ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.page != nil && m.authenticated && !m.closed
}

func (m *Manager) pageOrNil() browser.Page {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.page
}

func (m *Manager) currentPage() (browser.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.page == nil {
		return nil, ErrNoPage
	}
	return m.page, nil
}
