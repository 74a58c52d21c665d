package query

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// StatusError is returned by GetJSON for a non-2xx response.
type StatusError struct {
	URL  string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("query: GET %s: status %d", e.URL, e.Code)
}

// GetJSON returns a Fetcher that GETs url with hc (http.DefaultClient when
// nil) and decodes the JSON body into T. Pointing hc at an edge worker
// routes the fetch through its caching strategies.
func GetJSON[T any](hc *http.Client, url string) Fetcher[T] {
	if hc == nil {
		hc = http.DefaultClient
	}
	return func(ctx context.Context) (T, error) {
		var v T
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return v, err
		}
		req.Header.Set("Accept", "application/json")
		resp, err := hc.Do(req)
		if err != nil {
			return v, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return v, &StatusError{URL: url, Code: resp.StatusCode, Body: string(body)}
		}
		if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
			return v, fmt.Errorf("query: decode %s: %w", url, err)
		}
		return v, nil
	}
}
