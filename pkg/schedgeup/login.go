package schedgeup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/entrhq/schedgeup/pkg/browser"
	"github.com/entrhq/schedgeup/pkg/config"
	"github.com/entrhq/schedgeup/pkg/logging"
	"github.com/entrhq/schedgeup/pkg/session"
)

// ErrLoginRejected is returned when the site keeps the operator on the login
// screen after the form was submitted.
var ErrLoginRejected = errors.New("login rejected")

const (
	emailInput    = "#session_email"
	passwordInput = "#session_password"
	loginButton   = `input[type="submit"]`
)

// Login signs the operator in. It implements session.Authenticator.
type Login struct {
	url       string
	email     string
	password  string
	timeout   time.Duration
	navigator *session.Navigator
	log       *logging.Logger
}

// NewLogin creates the authenticator for cfg's site and credentials.
func NewLogin(cfg *config.Config, log *logging.Logger) *Login {
	if log == nil {
		log = logging.NewNop()
	}
	return &Login{
		url:       cfg.SiteURL("/login"),
		email:     cfg.Email,
		password:  cfg.Password,
		timeout:   cfg.Navigation.Timeout,
		navigator: session.NewNavigator(cfg.Navigation.Timeout, 0),
		log:       log,
	}
}

// Login fills in and submits the login form on page, then checks where the
// site sent it. The login page is loaded with a single attempt: recovery
// belongs to the caller, which is rebuilding the session already.
func (l *Login) Login(ctx context.Context, page browser.Page) error {
	l.log.Infof("Starting login")
	if err := l.navigator.Navigate(ctx, page, l.url); err != nil {
		return fmt.Errorf("failed to open login page: %w", err)
	}

	if err := page.Fill(emailInput, l.email); err != nil {
		return fmt.Errorf("failed to enter email: %w", err)
	}
	if err := page.Fill(passwordInput, l.password); err != nil {
		return fmt.Errorf("failed to enter password: %w", err)
	}

	l.log.Debugf("Submitting login form")
	if err := page.ClickAndWait(loginButton, l.timeout); err != nil {
		return fmt.Errorf("failed to submit login form: %w", err)
	}

	if landed := page.URL(); strings.Contains(landed, "login") {
		return fmt.Errorf("%w: still on %s", ErrLoginRejected, landed)
	}
	l.log.Infof("Login successful")
	return nil
}
