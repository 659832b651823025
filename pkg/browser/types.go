package browser

import (
	"errors"
	"time"
)

// Errors reported by Page implementations. Callers classify navigation
// failures with errors.Is against these.
var (
	// ErrTimeout means the operation did not finish within its deadline
	ErrTimeout = errors.New("browser: timeout")

	// ErrPageCrashed means the page's renderer died
	ErrPageCrashed = errors.New("browser: page crashed")

	// ErrPageClosed means the page or its browser is gone
	ErrPageClosed = errors.New("browser: page closed")
)

// Driver starts browser processes.
type Driver interface {
	// Launch starts a new browser process
	Launch(opts LaunchOptions) (Browser, error)

	// Stop releases the driver and every browser it launched
	Stop() error
}

// Browser is one running browser process.
type Browser interface {
	// NewPage opens a new tab configured with opts
	NewPage(opts PageOptions) (Page, error)

	// Close terminates the browser process
	Close() error
}

// Page is a single browser tab.
//
// A Page is not safe for concurrent use; callers serialize access to it.
type Page interface {
	// Goto loads url and waits until the network is quiescent
	Goto(url string, timeout time.Duration) error

	// URL returns the address currently shown by the page
	URL() string

	// Fill types value into the element matching selector
	Fill(selector, value string) error

	// ClickAndWait clicks the element matching selector and waits for the
	// navigation it triggers
	ClickAndWait(selector string, timeout time.Duration) error

	// Content returns the serialized DOM of the page
	Content() (string, error)

	// Crashed reports whether the renderer has died
	Crashed() bool

	// Close closes the tab without touching the browser
	Close() error
}

// LaunchOptions configures a browser process.
type LaunchOptions struct {
	// Headless controls whether the browser runs without a visible window
	Headless bool

	// Args are extra command line switches
	Args []string
}

// PageOptions configures a new page.
type PageOptions struct {
	// Viewport sets the page viewport size
	Viewport Viewport

	// NavigationTimeout is the default navigation timeout of the page
	NavigationTimeout time.Duration

	// IgnoreHTTPSErrors accepts invalid certificates
	IgnoreHTTPSErrors bool

	// Filter aborts matching requests. nil lets every request through.
	Filter *RequestFilter

	// OnConsole receives every console message as (type, text)
	OnConsole func(kind, text string)

	// OnCrash is called once when the page's renderer dies
	OnCrash func()
}

// Viewport represents the browser viewport dimensions.
type Viewport struct {
	Width  int
	Height int
}

// Default values for pages and browsers
const (
	DefaultNavigationTimeout = 60 * time.Second
	DefaultViewportWidth     = 640
	DefaultViewportHeight    = 480
)

// DefaultBlockedResourceTypes are never fetched by scraper pages.
var DefaultBlockedResourceTypes = []string{"image", "font", "stylesheet"}

// DefaultLaunchArgs are passed to every browser launch.
var DefaultLaunchArgs = []string{"--disable-setuid-sandbox"}
