// Package session shares one authenticated browser page between concurrent
// scraper operations and keeps it usable.
//
// # Access
//
// An Arbiter serialises access: Manager.Checkout blocks until the caller is
// at the head of a FIFO queue and returns a Lease; Manager.Checkin hands the
// page to the next waiter. WithPage wraps both and checks the page in on
// every exit path.
//
// # Recovery
//
// Manager.Navigate loads a URL on the leased page. Failed attempts climb an
// escalation table (see Escalator): two backoff retries on the same page,
// two page rebuilds, one browser relaunch, then an *ExhaustedError. A
// crashed or closed page skips the backoff retries. Every rebuild logs in
// again through the Authenticator.
//
// A rebuild triggered by the lease holder runs on the holder's behalf: its
// grant is swapped for an internal one for the duration and swapped back
// afterwards, so no queued caller can slip in and the holder never has to
// queue behind itself.
//
// # Errors
//
//   - *CreationError (matches ErrSessionCreation) when the browser, the page
//     or the login cannot be created
//   - *NavigationError for one failed attempt, classified by Kind
//   - *ExhaustedError (matches ErrNavigationExhausted) when every tier failed
package session
