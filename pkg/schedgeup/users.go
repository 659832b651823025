package schedgeup

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// User is a member of the theatre as listed on the users page.
type User struct {
	ID          string   `json:"userId"`
	DisplayName string   `json:"displayName"`
	Roles       []string `json:"roles"`
	Groups      []string `json:"groups"`

	// Phone is nil when the user has not given a number
	Phone *string `json:"phoneNumber"`
	Email string  `json:"emailAddress"`
}

// Columns of a users table row.
const (
	nameCell     = 1
	phoneCell    = 2
	emailCell    = 3
	scheduleCell = 4
)

// parseUsers reads the users table. With ids, users not listed are skipped.
func parseUsers(content string, ids []string) ([]User, error) {
	doc, err := parseDocument(content)
	if err != nil {
		return nil, err
	}

	table := doc.Find(".infoTable").First()
	if table.Length() == 0 {
		return nil, errors.New("users page has no user table")
	}
	body := table.ChildrenFiltered("tbody").First()
	if body.Length() == 0 {
		return nil, errors.New("user table has no body")
	}

	users := []User{}
	var parseErr error
	body.ChildrenFiltered("tr").EachWithBreak(func(i int, row *goquery.Selection) bool {
		user, err := parseUserRow(row)
		if err != nil {
			parseErr = fmt.Errorf("user row %d: %w", i, err)
			return false
		}
		if len(ids) > 0 && !slices.Contains(ids, user.ID) {
			return true
		}
		users = append(users, user)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return users, nil
}

// parseUserRow reads a row whose cells are: row number, display name,
// phone, email, a schedule link carrying the user id, then icons.
func parseUserRow(row *goquery.Selection) (User, error) {
	cells := row.ChildrenFiltered("td")
	if cells.Length() <= scheduleCell {
		return User{}, fmt.Errorf("expected at least %d cells, found %d", scheduleCell+1, cells.Length())
	}

	href, ok := cells.Eq(scheduleCell).Children().First().Attr("href")
	if !ok {
		return User{}, errors.New("schedule link missing")
	}
	_, id, found := strings.Cut(href, "=")
	if !found || id == "" {
		return User{}, fmt.Errorf("no user id in %q", href)
	}

	return User{
		ID:          id,
		DisplayName: strings.TrimSpace(cells.Eq(nameCell).Text()),
		Roles:       []string{},
		Groups:      []string{},
		Phone:       SanitizePhone(cells.Eq(phoneCell).Children().First().Text()),
		Email:       strings.TrimSpace(cells.Eq(emailCell).Children().First().Text()),
	}, nil
}
