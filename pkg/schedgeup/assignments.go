package schedgeup

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const (
	assignedUsersSelector = ".assignedUsers"
	formHeaderSelector    = ".assign > #formHeader"
	missingName           = "MissingName"
	timeSeparator         = " • "
)

var timeRange = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*-\s*(\d{1,2}):(\d{2})`)

// Worker is one person assigned to an event.
type Worker struct {
	// ID is the SchedgeUp user id, empty for guests
	ID   string `json:"id,omitempty"`
	Role string `json:"role"`
	Who  string `json:"who"`
}

// Event is an event with its assigned crew.
type Event struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Subtitle       string    `json:"subtitle,omitempty"`
	Workers        []Worker  `json:"workers"`
	ShowTemplateID string    `json:"showTemplateId,omitempty"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
}

// parseAssignment reads an event's assignment page.
func parseAssignment(content string, info EventInfo) (Event, error) {
	event := Event{ID: info.ID, ShowTemplateID: info.ShowTemplateID}

	doc, err := parseDocument(content)
	if err != nil {
		return event, err
	}

	if event.Workers, err = parseWorkers(doc); err != nil {
		return event, err
	}
	if err := parseFormHeader(doc, info.Date, &event); err != nil {
		return event, err
	}
	return event, nil
}

func parseWorkers(doc *goquery.Document) ([]Worker, error) {
	workers := []Worker{}
	var parseErr error

	doc.Find(assignedUsersSelector).EachWithBreak(func(_ int, block *goquery.Selection) bool {
		label := block.Find("label").First()
		bars := block.Find(".userBar")
		if label.Length() == 0 || bars.Length() == 0 {
			return true
		}
		role := firstWord(label.Text())

		bars.EachWithBreak(func(_ int, bar *goquery.Selection) bool {
			w, err := parseUserBar(bar)
			if err != nil {
				parseErr = fmt.Errorf("role %s: %w", role, err)
				return false
			}
			w.Role = role
			workers = append(workers, w)
			return true
		})
		return parseErr == nil
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return workers, nil
}

// parseUserBar reads a member from its name tag or a guest from the free
// text field that replaces it.
func parseUserBar(bar *goquery.Selection) (Worker, error) {
	w := Worker{ID: bar.AttrOr("data-id", "")}

	if info := bar.Find(".bar_info").First(); info.Length() > 0 {
		name, _ := firstChildText(info)
		name = strings.TrimSpace(strings.ReplaceAll(name, "\n", ""))
		if name == "" {
			name = missingName
		}
		w.Who = name
		return w, nil
	}

	fields := bar.Find(".assignmentFields")
	if fields.Length() == 0 {
		return w, errors.New("assignment entry has neither a user nor a guest field")
	}
	input := fields.Find(`[type="text"]`).First()
	if input.Length() == 0 {
		return w, errors.New("guest entry has no text field")
	}
	value, ok := input.Attr("value")
	if !ok {
		return w, errors.New("guest text field has no value")
	}
	w.Who = value
	return w, nil
}

// parseFormHeader reads the title, the subtitle and the "<date> • HH:MM-HH:MM"
// line of the header, placing the times on day.
func parseFormHeader(doc *goquery.Document, day time.Time, event *Event) error {
	header := doc.Find(formHeaderSelector).First()
	if header.Length() == 0 {
		return errors.New("assignment page has no form header")
	}

	title, ok := firstChildText(header)
	title = strings.TrimSpace(strings.ReplaceAll(title, "\n", ""))
	if !ok || title == "" {
		return errors.New("assignment page has no title")
	}
	event.Title = title

	subtitles := header.Find(".subtitle")
	if sub, ok := firstChildText(subtitles.Eq(0)); ok {
		event.Subtitle = strings.TrimSpace(sub)
	}

	_, hours, found := strings.Cut(subtitles.Eq(1).Text(), timeSeparator)
	if !found {
		return fmt.Errorf("no event times for %s", title)
	}
	start, end, err := parseTimeRange(hours, day)
	if err != nil {
		return fmt.Errorf("event times for %s: %w", title, err)
	}
	event.Start, event.End = start, end
	return nil
}

// parseTimeRange parses "HH:MM-HH:MM" on day. An end before the start is
// taken to be past midnight.
func parseTimeRange(s string, day time.Time) (time.Time, time.Time, error) {
	m := timeRange.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid time range %q", s)
	}
	n := make([]int, 4)
	for i := range n {
		n[i], _ = strconv.Atoi(m[i+1])
	}
	if n[0] > 23 || n[1] > 59 || n[2] > 23 || n[3] > 59 {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid time range %q", s)
	}

	y, mo, d := day.Date()
	start := time.Date(y, mo, d, n[0], n[1], 0, 0, day.Location())
	end := time.Date(y, mo, d, n[2], n[3], 0, 0, day.Location())
	if end.Before(start) {
		end = end.AddDate(0, 0, 1)
	}
	return start, end, nil
}
