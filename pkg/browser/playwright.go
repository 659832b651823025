package browser

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/playwright-community/playwright-go"
)

// PlaywrightDriver launches Chromium through Playwright.
type PlaywrightDriver struct {
	mu          sync.Mutex
	playwright  *playwright.Playwright
	initialized bool
}

// NewPlaywrightDriver creates a driver. Playwright itself is started lazily
// by Initialize or the first Launch.
func NewPlaywrightDriver() *PlaywrightDriver {
	return &PlaywrightDriver{}
}

// Initialize installs the browser binaries if needed and starts the
// Playwright server.
func (d *PlaywrightDriver) Initialize() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initializeLocked()
}

func (d *PlaywrightDriver) initializeLocked() error {
	if d.initialized {
		return nil
	}

	// Keep the driver's own output off stdout, which carries scrape results
	opts := &playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}

	if err := playwright.Install(opts); err != nil {
		return fmt.Errorf("failed to install playwright: %w", err)
	}

	pw, err := playwright.Run(opts)
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}

	d.playwright = pw
	d.initialized = true
	return nil
}

// Launch starts a Chromium process.
func (d *PlaywrightDriver) Launch(opts LaunchOptions) (Browser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.initializeLocked(); err != nil {
		return nil, err
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
		Args:     opts.Args,
	}
	b, err := d.playwright.Chromium.Launch(launchOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	return &playwrightBrowser{browser: b}, nil
}

// Stop shuts the Playwright server down.
func (d *PlaywrightDriver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.initialized || d.playwright == nil {
		return nil
	}
	if err := d.playwright.Stop(); err != nil {
		return fmt.Errorf("failed to stop playwright: %w", err)
	}
	d.playwright = nil
	d.initialized = false
	return nil
}

type playwrightBrowser struct {
	browser playwright.Browser
}

func (b *playwrightBrowser) NewPage(opts PageOptions) (Page, error) {
	if opts.Viewport.Width == 0 || opts.Viewport.Height == 0 {
		opts.Viewport = Viewport{Width: DefaultViewportWidth, Height: DefaultViewportHeight}
	}
	if opts.NavigationTimeout == 0 {
		opts.NavigationTimeout = DefaultNavigationTimeout
	}

	page, err := b.browser.NewPage(playwright.BrowserNewPageOptions{
		IgnoreHttpsErrors: playwright.Bool(opts.IgnoreHTTPSErrors),
		Viewport: &playwright.Size{
			Width:  opts.Viewport.Width,
			Height: opts.Viewport.Height,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	page.SetDefaultNavigationTimeout(milliseconds(opts.NavigationTimeout))

	p := &playwrightPage{page: page}

	if opts.Filter != nil {
		filter := opts.Filter
		err := page.Route("**/*", func(route playwright.Route) {
			req := route.Request()
			if filter.Blocks(req.ResourceType(), req.URL()) {
				_ = route.Abort()
				return
			}
			_ = route.Continue()
		})
		if err != nil {
			_ = page.Close()
			return nil, fmt.Errorf("failed to install request filter: %w", err)
		}
	}

	if opts.OnConsole != nil {
		onConsole := opts.OnConsole
		page.OnConsole(func(msg playwright.ConsoleMessage) {
			onConsole(msg.Type(), msg.Text())
		})
	}

	onCrash := opts.OnCrash
	page.OnCrash(func(playwright.Page) {
		if p.crashed.CompareAndSwap(false, true) && onCrash != nil {
			onCrash()
		}
	})

	return p, nil
}

func (b *playwrightBrowser) Close() error {
	if err := b.browser.Close(); err != nil {
		return fmt.Errorf("failed to close browser: %w", err)
	}
	return nil
}

type playwrightPage struct {
	page    playwright.Page
	crashed atomic.Bool
}

func (p *playwrightPage) Goto(url string, timeout time.Duration) error {
	if p.crashed.Load() {
		return ErrPageCrashed
	}
	_, err := p.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateNetworkidle,
		Timeout:   playwright.Float(milliseconds(timeout)),
	})
	if err != nil {
		return p.wrap("navigation failed", err)
	}
	return nil
}

func (p *playwrightPage) URL() string {
	return p.page.URL()
}

func (p *playwrightPage) Fill(selector, value string) error {
	if err := p.page.Fill(selector, value); err != nil {
		return p.wrap("fill failed", err)
	}
	return nil
}

func (p *playwrightPage) ClickAndWait(selector string, timeout time.Duration) error {
	_, err := p.page.ExpectNavigation(func() error {
		return p.page.Click(selector)
	}, playwright.PageExpectNavigationOptions{
		Timeout: playwright.Float(milliseconds(timeout)),
	})
	if err != nil {
		return p.wrap("click failed", err)
	}
	return nil
}

func (p *playwrightPage) Content() (string, error) {
	html, err := p.page.Content()
	if err != nil {
		return "", p.wrap("content extraction failed", err)
	}
	return html, nil
}

func (p *playwrightPage) Crashed() bool {
	return p.crashed.Load()
}

func (p *playwrightPage) Close() error {
	if err := p.page.Close(); err != nil {
		return p.wrap("close failed", err)
	}
	return nil
}

// wrap maps Playwright failures onto the package's error kinds.
func (p *playwrightPage) wrap(msg string, err error) error {
	switch {
	case p.crashed.Load():
		return fmt.Errorf("%s: %w: %v", msg, ErrPageCrashed, err)
	case errors.Is(err, playwright.ErrTimeout):
		return fmt.Errorf("%s: %w: %v", msg, ErrTimeout, err)
	case errors.Is(err, playwright.ErrTargetClosed):
		return fmt.Errorf("%s: %w: %v", msg, ErrPageClosed, err)
	default:
		return fmt.Errorf("%s: %w", msg, err)
	}
}

func milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
