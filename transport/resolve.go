package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	jmespath "github.com/jmespath-community/go-jmespath"
	"github.com/pkg/errors"
)

// ResolveAPIBaseURL fetches the well-known discovery document with the
// profile-scope token and returns the first link entry's href: the
// school-tenant API root.
func (s *Sender) ResolveAPIBaseURL(ctx context.Context, profileToken string) (string, error) {
	doc, status, err := s.getJSON(ctx, s.cfg.DiscoveryURL, nil, profileToken, "ResolveAPIBaseURL")
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", errors.Wrapf(ErrDiscovery, "[ResolveAPIBaseURL] status %d", status)
	}
	href, err := searchString(doc, "links[0].href")
	if err != nil {
		return "", errors.Wrapf(ErrDiscovery, "[ResolveAPIBaseURL] %v", err)
	}
	return strings.TrimRight(href, "/"), nil
}

// ResolveAccountID reads the account link relation from the current
// session resource and returns its trailing path segment.
func (s *Sender) ResolveAccountID(ctx context.Context, appToken, apiBaseURL string) (string, error) {
	return s.resolveLinkID(ctx, apiBaseURL+"/sessions/current", appToken, "links.account.href", "ResolveAccountID")
}

// ResolvePersonID reads the student link relation from the account
// resource and returns its trailing path segment.
func (s *Sender) ResolvePersonID(ctx context.Context, appToken, apiBaseURL, accountID string) (string, error) {
	return s.resolveLinkID(ctx, apiBaseURL+"/accounts/"+accountID, appToken, "links.leerling.href", "ResolvePersonID")
}

func (s *Sender) resolveLinkID(ctx context.Context, rawURL, token, expr, op string) (string, error) {
	doc, status, err := s.getJSON(ctx, rawURL, nil, token, op)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", errors.Wrapf(ErrResolution, "[%s] status %d", op, status)
	}
	href, err := searchString(doc, expr)
	if err != nil {
		return "", errors.Wrapf(ErrResolution, "[%s] %v", op, err)
	}
	return href[strings.LastIndex(href, "/")+1:], nil
}

// GetEnvelope fetches an authenticated API resource and returns the
// items array under the given envelope key, along with the HTTP status.
// A non-success status yields a nil slice with no error; callers own
// that classification.
func (s *Sender) GetEnvelope(ctx context.Context, rawURL string, query url.Values, token, itemsKey string) ([]map[string]any, int, error) {
	doc, status, err := s.getJSON(ctx, rawURL, query, token, "GetEnvelope")
	if err != nil {
		return nil, 0, err
	}
	if status != http.StatusOK {
		return nil, status, nil
	}
	envelope, ok := doc.(map[string]any)
	if !ok {
		return nil, status, errors.Wrap(ErrParse, "[GetEnvelope] body is not a JSON object")
	}
	raw, ok := envelope[itemsKey].([]any)
	if !ok {
		return nil, status, errors.Wrapf(ErrParse, "[GetEnvelope] no %q array in body", itemsKey)
	}
	items := make([]map[string]any, 0, len(raw))
	for _, entry := range raw {
		if item, ok := entry.(map[string]any); ok {
			items = append(items, item)
		}
	}
	return items, status, nil
}

// getJSON GETs a resource with a bearer token and decodes the body when
// the status indicates success. Non-success bodies are discarded but
// the status is always reported.
func (s *Sender) getJSON(ctx context.Context, rawURL string, query url.Values, token, op string) (any, int, error) {
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(rawURL, "?") {
			sep = "&"
		}
		rawURL += sep + query.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, errors.Wrapf(ErrTransport, "[%s] building request: %v", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	resp, err := s.do(ctx, s.client, req, op)
	if err != nil {
		return nil, 0, err
	}
	body, err := readBody(resp)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, nil
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, resp.StatusCode, errors.Wrapf(ErrParse, "[%s] decoding body: %v", op, err)
	}
	return doc, resp.StatusCode, nil
}

// searchString evaluates a jmespath expression expecting a non-empty
// string result.
func searchString(doc any, expr string) (string, error) {
	v, err := jmespath.Search(expr, doc)
	if err != nil {
		return "", errors.Errorf("evaluating %q: %v", expr, err)
	}
	str, ok := v.(string)
	if !ok || str == "" {
		return "", errors.Errorf("%q not found", expr)
	}
	return str, nil
}
