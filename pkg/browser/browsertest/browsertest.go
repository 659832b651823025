// Package browsertest provides an in-memory browser.Driver for tests.
//
// Every page created by a Driver shares the Driver's scripted behaviour:
// GotoFunc decides the outcome of each navigation and Pages serves HTML by
// URL. Visits records every navigation in order, which lets tests assert on
// the exact sequence of attempts and on which page served each of them.
package browsertest

import (
	"errors"
	"sync"
	"time"

	"github.com/entrhq/schedgeup/pkg/browser"
)

// Visit is one recorded call to Page.Goto.
type Visit struct {
	PageID int
	URL    string
	Err    error
}

// Driver is a scriptable browser.Driver.
type Driver struct {
	mu sync.Mutex

	// LaunchErr makes every Launch fail
	LaunchErr error

	// NewPageErr makes every NewPage fail
	NewPageErr error

	// NewPageFunc, when set, is called with the 1-based number of each
	// NewPage call; a non-nil result fails that call. It runs under the
	// Driver's lock and must not call back into it.
	NewPageFunc func(n int) error

	// GotoFunc decides the result of each navigation. nil means success.
	GotoFunc func(p *Page, url string) error

	// SubmitFunc decides the URL a page lands on after ClickAndWait. nil
	// leaves the URL unchanged.
	SubmitFunc func(p *Page, selector string) (string, error)

	// Pages maps a URL to the HTML served once a page has loaded it
	Pages map[string]string

	launches int
	newPages int
	browsers []*Browser
	pages    []*Page
	visits   []Visit
	stopped  bool
}

// NewDriver creates an empty Driver.
func NewDriver() *Driver {
	return &Driver{Pages: make(map[string]string)}
}

// Launch implements browser.Driver.
func (d *Driver) Launch(opts browser.LaunchOptions) (browser.Browser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.launches++
	if d.LaunchErr != nil {
		return nil, d.LaunchErr
	}
	b := &Browser{driver: d, id: len(d.browsers) + 1, Options: opts}
	d.browsers = append(d.browsers, b)
	return b, nil
}

// Stop implements browser.Driver.
func (d *Driver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	return nil
}

// Launches returns the number of Launch calls.
func (d *Driver) Launches() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.launches
}

// Stopped reports whether Stop was called.
func (d *Driver) Stopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

// Browsers returns every browser launched so far.
func (d *Driver) Browsers() []*Browser {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Browser(nil), d.browsers...)
}

// AllPages returns every page created so far, oldest first.
func (d *Driver) AllPages() []*Page {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Page(nil), d.pages...)
}

// Visits returns every navigation so far, oldest first.
func (d *Driver) Visits() []Visit {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Visit(nil), d.visits...)
}

// VisitsTo returns the navigations to url.
func (d *Driver) VisitsTo(url string) []Visit {
	var out []Visit
	for _, v := range d.Visits() {
		if v.URL == url {
			out = append(out, v)
		}
	}
	return out
}

// Browser is a fake browser process.
type Browser struct {
	driver  *Driver
	id      int
	closed  bool
	Options browser.LaunchOptions
}

// NewPage implements browser.Browser.
func (b *Browser) NewPage(opts browser.PageOptions) (browser.Page, error) {
	d := b.driver
	d.mu.Lock()
	defer d.mu.Unlock()

	if b.closed {
		return nil, browser.ErrPageClosed
	}
	if d.NewPageErr != nil {
		return nil, d.NewPageErr
	}
	d.newPages++
	if d.NewPageFunc != nil {
		if err := d.NewPageFunc(d.newPages); err != nil {
			return nil, err
		}
	}
	p := &Page{
		driver:  d,
		browser: b,
		ID:      len(d.pages) + 1,
		Options: opts,
		url:     "about:blank",
		fills:   make(map[string]string),
	}
	d.pages = append(d.pages, p)
	return p, nil
}

// Close implements browser.Browser.
func (b *Browser) Close() error {
	b.driver.mu.Lock()
	defer b.driver.mu.Unlock()
	b.closed = true
	return nil
}

// Closed reports whether Close was called.
func (b *Browser) Closed() bool {
	b.driver.mu.Lock()
	defer b.driver.mu.Unlock()
	return b.closed
}

// Page is a fake browser tab.
type Page struct {
	driver  *Driver
	browser *Browser

	// ID numbers pages in creation order, starting at 1
	ID int

	// Options are the options the page was created with
	Options browser.PageOptions

	url     string
	loaded  bool
	closed  bool
	crashed bool
	fills   map[string]string
}

// Goto implements browser.Page.
func (p *Page) Goto(url string, timeout time.Duration) error {
	d := p.driver

	d.mu.Lock()
	closed, crashed, fn := p.closed || p.browser.closed, p.crashed, d.GotoFunc
	d.mu.Unlock()

	var err error
	switch {
	case crashed:
		err = browser.ErrPageCrashed
	case closed:
		err = browser.ErrPageClosed
	case fn != nil:
		err = fn(p, url)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.visits = append(d.visits, Visit{PageID: p.ID, URL: url, Err: err})
	if err == nil {
		p.url = url
		p.loaded = true
	}
	return err
}

// URL implements browser.Page.
func (p *Page) URL() string {
	p.driver.mu.Lock()
	defer p.driver.mu.Unlock()
	return p.url
}

// Fill implements browser.Page.
func (p *Page) Fill(selector, value string) error {
	p.driver.mu.Lock()
	defer p.driver.mu.Unlock()
	if p.closed {
		return browser.ErrPageClosed
	}
	p.fills[selector] = value
	return nil
}

// Filled returns the value last typed into selector.
func (p *Page) Filled(selector string) string {
	p.driver.mu.Lock()
	defer p.driver.mu.Unlock()
	return p.fills[selector]
}

// ClickAndWait implements browser.Page.
func (p *Page) ClickAndWait(selector string, timeout time.Duration) error {
	d := p.driver
	d.mu.Lock()
	fn := d.SubmitFunc
	closed := p.closed
	d.mu.Unlock()

	if closed {
		return browser.ErrPageClosed
	}
	if fn == nil {
		return nil
	}
	url, err := fn(p, selector)
	if err != nil {
		return err
	}

	d.mu.Lock()
	p.url = url
	d.mu.Unlock()
	return nil
}

// Content implements browser.Page.
func (p *Page) Content() (string, error) {
	d := p.driver
	d.mu.Lock()
	defer d.mu.Unlock()

	if p.crashed {
		return "", browser.ErrPageCrashed
	}
	if !p.loaded {
		return "<html><head></head><body></body></html>", nil
	}
	html, ok := d.Pages[p.url]
	if !ok {
		return "", errors.New("browsertest: no content for " + p.url)
	}
	return html, nil
}

// Crashed implements browser.Page.
func (p *Page) Crashed() bool {
	p.driver.mu.Lock()
	defer p.driver.mu.Unlock()
	return p.crashed
}

// Close implements browser.Page.
func (p *Page) Close() error {
	p.driver.mu.Lock()
	defer p.driver.mu.Unlock()
	p.closed = true
	return nil
}

// Closed reports whether Close was called.
func (p *Page) Closed() bool {
	p.driver.mu.Lock()
	defer p.driver.mu.Unlock()
	return p.closed
}

// Crash marks the page as crashed and fires its crash observer.
func (p *Page) Crash() {
	p.driver.mu.Lock()
	already := p.crashed
	p.crashed = true
	onCrash := p.Options.OnCrash
	p.driver.mu.Unlock()

	if !already && onCrash != nil {
		onCrash()
	}
}

// Console delivers a console message to the page's observer.
func (p *Page) Console(kind, text string) {
	if p.Options.OnConsole != nil {
		p.Options.OnConsole(kind, text)
	}
}

// FailN returns a GotoFunc that fails the first n navigations to url with
// err and lets every other navigation succeed.
func FailN(url string, n int, err error) func(p *Page, u string) error {
	var mu sync.Mutex
	failures := 0
	return func(p *Page, u string) error {
		if u != url {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		if failures < n {
			failures++
			return err
		}
		return nil
	}
}
