// Package httputil holds the small HTTP helpers shared by the monitor server
// and the CLI that queries it.
package httputil

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HTTPClient is the part of *http.Client the CLI uses.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// maxBody bounds a JSON response body.
const maxBody = 4 << 20

// GetJSON fetches url and decodes the JSON body into out. A non-2xx status
// is an error carrying the server's error message when it sent one.
func GetJSON(ctx context.Context, c HTTPClient, url string, out interface{}) error {
	if c == nil {
		c = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("read %s: %w", url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("get %s: %s: %s", url, resp.Status, e.Error)
		}
		return fmt.Errorf("get %s: %s", url, resp.Status)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}
