// Package schedgeup extracts events, assignments and users from the
// SchedgeUp web application through the shared session.
package schedgeup

import (
	"context"
	"fmt"
	"time"

	"github.com/entrhq/schedgeup/pkg/config"
	"github.com/entrhq/schedgeup/pkg/logging"
	"github.com/entrhq/schedgeup/pkg/session"
)

// Scraper reads SchedgeUp pages for one theatre. It is safe for concurrent
// use; page access is serialized by the session manager.
type Scraper struct {
	sessions *session.Manager
	cfg      *config.Config
	loc      *time.Location
	log      *logging.Logger
}

// New creates a scraper using sessions, which must have been started with
// EnsureSession.
func New(sessions *session.Manager, cfg *config.Config, log *logging.Logger) (*Scraper, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Scraper{sessions: sessions, cfg: cfg, loc: loc, log: log}, nil
}

// Location returns the time zone schedule dates are read in.
func (s *Scraper) Location() *time.Location {
	return s.loc
}

// Users returns the theatre's users, or only those with the given ids.
func (s *Scraper) Users(ctx context.Context, ids ...string) ([]User, error) {
	content, err := s.visit(ctx, s.usersURL())
	if err != nil {
		return nil, fmt.Errorf("failed to load users: %w", err)
	}
	users, err := parseUsers(content, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to read users: %w", err)
	}
	s.log.Infof("Found %d users", len(users))
	return users, nil
}

// EventInfos returns the events scheduled within r, one schedule page per
// month. r's calendar days are read in Location, whatever zone r was
// built in.
func (s *Scraper) EventInfos(ctx context.Context, r DateRange) ([]EventInfo, error) {
	r = r.In(s.loc)
	s.log.Infof("Getting events for %s", r)

	var infos []EventInfo
	for _, month := range r.Months() {
		content, err := s.visit(ctx, s.scheduleURL(month))
		if err != nil {
			return nil, fmt.Errorf("failed to load schedule for %s: %w", month.Format("2006-01"), err)
		}
		found, err := parseSchedule(content, r, s.loc)
		if err != nil {
			return nil, fmt.Errorf("failed to read schedule for %s: %w", month.Format("2006-01"), err)
		}
		s.log.Debugf("Found %d events in %s", len(found), month.Format("2006-01"))
		infos = append(infos, found...)
	}
	return infos, nil
}

// Events reads the assignment page of every event in infos.
func (s *Scraper) Events(ctx context.Context, infos []EventInfo) ([]Event, error) {
	events := make([]Event, 0, len(infos))
	for _, info := range infos {
		s.log.Infof("Extracting assignments for event %s", info.ID)
		content, err := s.visit(ctx, s.assignmentURL(info.ID))
		if err != nil {
			return nil, fmt.Errorf("failed to load event %s: %w", info.ID, err)
		}
		event, err := parseAssignment(content, info)
		if err != nil {
			return nil, fmt.Errorf("failed to read event %s: %w", info.ID, err)
		}
		events = append(events, event)
	}
	return events, nil
}

// visit loads url on the shared page and returns its HTML.
func (s *Scraper) visit(ctx context.Context, url string) (string, error) {
	var content string
	err := s.sessions.WithPage(ctx, func(lease *session.Lease) error {
		if err := s.sessions.Navigate(ctx, lease, url); err != nil {
			return err
		}
		page, err := lease.Page()
		if err != nil {
			return err
		}
		content, err = page.Content()
		return err
	})
	return content, err
}

func (s *Scraper) usersURL() string {
	return s.cfg.SiteURL(fmt.Sprintf("/theatres/%s/users", s.cfg.TheatreID))
}

func (s *Scraper) scheduleURL(month time.Time) string {
	return s.cfg.SiteURL(fmt.Sprintf("/theatres/%s/assignments?date=%s", s.cfg.TheatreID, month.Format("2006-01")+"-01"))
}

func (s *Scraper) assignmentURL(id string) string {
	return s.cfg.SiteURL(fmt.Sprintf("/assignments/%s/edit", id))
}
