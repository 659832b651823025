package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/entrhq/schedgeup/pkg/browser"
)

// Navigator performs single navigation attempts and classifies failures.
type Navigator struct {
	timeout time.Duration
	limiter *rate.Limiter
}

// NewNavigator creates a navigator. Attempts are bounded by timeout and
// spaced to at most perSecond per second; perSecond <= 0 disables spacing.
func NewNavigator(timeout time.Duration, perSecond float64) *Navigator {
	if timeout <= 0 {
		timeout = browser.DefaultNavigationTimeout
	}
	n := &Navigator{timeout: timeout}
	if perSecond > 0 {
		n.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
	return n
}

// Timeout returns the per-attempt timeout.
func (n *Navigator) Timeout() time.Duration {
	return n.timeout
}

// Navigate loads url in page and waits for network quiescence. It returns
// nil, a context error if ctx ends before the rate limiter lets the attempt
// through, or a *NavigationError. A load in progress is not interrupted by ctx.
func (n *Navigator) Navigate(ctx context.Context, page browser.Page, url string) error {
	if n.limiter != nil {
		if err := n.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			// The wait would outlast ctx's deadline
			return fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
		}
	}

	if page == nil {
		return &NavigationError{Kind: KindCrash, URL: url, Err: ErrNoPage}
	}
	if page.Crashed() {
		return &NavigationError{Kind: KindCrash, URL: url, Err: browser.ErrPageCrashed}
	}

	if err := page.Goto(url, n.timeout); err != nil {
		return &NavigationError{Kind: Classify(err), URL: url, Err: err}
	}
	return nil
}

// Classify maps a page error to a navigation error kind.
func Classify(err error) NavigationErrorKind {
	switch {
	case errors.Is(err, browser.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, browser.ErrPageCrashed), errors.Is(err, browser.ErrPageClosed), errors.Is(err, ErrNoPage):
		return KindCrash
	default:
		return KindUnknown
	}
}
