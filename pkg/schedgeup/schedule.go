package schedgeup

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const (
	eventBlurbSelector  = "[class^='eventBlurb']"
	templateClassPrefix = "event_template_"
	blurbDateLayout     = "2/1/06"
)

var digitRun = regexp.MustCompile(`\d+`)

// EventInfo is an event as listed on the monthly schedule.
type EventInfo struct {
	ID string `json:"id"`

	// ShowTemplateID is empty for events not created from a show template
	ShowTemplateID string `json:"showTemplateId,omitempty"`

	Date time.Time `json:"date"`
}

// parseSchedule reads the event blurbs of a schedule page, keeping those
// dated within r.
func parseSchedule(content string, r DateRange, loc *time.Location) ([]EventInfo, error) {
	doc, err := parseDocument(content)
	if err != nil {
		return nil, err
	}

	var (
		infos    []EventInfo
		parseErr error
	)
	doc.Find(eventBlurbSelector).EachWithBreak(func(i int, s *goquery.Selection) bool {
		info, err := parseEventBlurb(s, loc)
		if err != nil {
			parseErr = fmt.Errorf("event blurb %d: %w", i, err)
			return false
		}
		if r.Contains(info.Date) {
			infos = append(infos, info)
		}
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return infos, nil
}

// parseEventBlurb reads one blurb. Its text is "<weekday> DD/MM/YY ...",
// its href holds the event id and its classes may name the show template.
func parseEventBlurb(s *goquery.Selection, loc *time.Location) (EventInfo, error) {
	var info EventInfo

	words := strings.Fields(s.Text())
	if len(words) < 2 {
		return info, fmt.Errorf("no date in %q", s.Text())
	}
	date, err := time.ParseInLocation(blurbDateLayout, words[1], loc)
	if err != nil {
		return info, fmt.Errorf("invalid date %q: %w", words[1], err)
	}
	info.Date = date

	for _, class := range strings.Fields(s.AttrOr("class", "")) {
		if id, ok := strings.CutPrefix(class, templateClassPrefix); ok {
			info.ShowTemplateID = id
		}
	}

	href := s.AttrOr("href", "")
	ids := digitRun.FindAllString(href, -1)
	if len(ids) != 1 {
		return info, fmt.Errorf("expected one event id in href %q, found %d", href, len(ids))
	}
	info.ID = ids[0]
	return info, nil
}
