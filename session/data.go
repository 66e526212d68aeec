package session

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/pkg/errors"

	"github.com/h3ll0u/go-magister/transport"
)

const defaultGradeLimit = 25

// FetchSchedule returns the student's schedule items between two dates
// (inclusive, "YYYY-MM-DD"). With includeChanges the schedule-changes
// endpoint is queried instead; the provider ignores the date range
// there and returns recent changes regardless, so the plain schedule
// is usually what callers want.
//
// Items arrive in the order the server provides them. Internal link
// and id fields are projected out of each item.
func (s *Session) FetchSchedule(ctx context.Context, from, to string, includeChanges bool) ([]map[string]any, error) {
	if !s.mu.TryLock() {
		return nil, s.finish("FetchSchedule", errors.WithStack(ErrConcurrentAccess))
	}
	defer s.mu.Unlock()

	if s.state != Authenticated {
		return nil, s.finish("FetchSchedule", errors.Wrap(ErrNotAuthenticated, "[FetchSchedule] log in first"))
	}

	query := url.Values{}
	query.Set("van", from)
	query.Set("tot", to)
	endpoint := s.apiBaseURL + "/personen/" + s.personID + "/roosterwijzigingen"
	if !includeChanges {
		query.Set("status", "1")
		endpoint = s.apiBaseURL + "/personen/" + s.personID + "/afspraken"
	}

	items, err := s.fetchItems(ctx, endpoint, query, "Items")
	if err != nil {
		return nil, s.finish("FetchSchedule", err)
	}
	for _, item := range items {
		delete(item, "Links")
		delete(item, "Id")
	}
	return items, nil
}

// FetchGrades returns the student's most recent grades, newest first
// as provided by the server, with pagination via limit and offset.
// A non-positive limit falls back to 25. The internal column-id field
// is projected out of each item.
func (s *Session) FetchGrades(ctx context.Context, limit, offset int) ([]map[string]any, error) {
	if !s.mu.TryLock() {
		return nil, s.finish("FetchGrades", errors.WithStack(ErrConcurrentAccess))
	}
	defer s.mu.Unlock()

	if s.state != Authenticated {
		return nil, s.finish("FetchGrades", errors.Wrap(ErrNotAuthenticated, "[FetchGrades] log in first"))
	}
	if limit <= 0 {
		limit = defaultGradeLimit
	}
	if offset < 0 {
		offset = 0
	}

	query := url.Values{}
	query.Set("top", strconv.Itoa(limit))
	query.Set("skip", strconv.Itoa(offset))

	items, err := s.fetchItems(ctx, s.apiBaseURL+"/personen/"+s.personID+"/cijfers/laatste", query, "items")
	if err != nil {
		return nil, s.finish("FetchGrades", err)
	}
	for _, item := range items {
		delete(item, "kolomId")
	}
	return items, nil
}

func (s *Session) fetchItems(ctx context.Context, endpoint string, query url.Values, itemsKey string) ([]map[string]any, error) {
	items, status, err := s.sender.GetEnvelope(ctx, endpoint, query, s.appAuthToken, itemsKey)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, errors.WithStack(&transport.APIError{StatusCode: status})
	}
	return items, nil
}
