package session

import "github.com/entrhq/schedgeup/pkg/browser"

// Lease is a caller's exclusive claim on the shared page, obtained from
// Manager.Checkout. It does not pin a page: after a reset, Page returns the
// replacement.
type Lease struct {
	manager *Manager
	grant   *Grant
}

// Page returns the session's current page. It fails with ErrLeaseReleased
// once the lease has been checked in, and with ErrNoPage when the last
// rebuild failed.
func (l *Lease) Page() (browser.Page, error) {
	if l == nil || !l.manager.arbiter.Holds(l.grant) {
		return nil, ErrLeaseReleased
	}
	return l.manager.currentPage()
}

// Grant returns the arbiter grant behind the lease.
func (l *Lease) Grant() *Grant {
	return l.grant
}
