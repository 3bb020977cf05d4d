package syncclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Discovery is the document served on the bridge's HTTP discovery endpoint.
type Discovery struct {
	Name         string   `json:"name"`
	WebSocketURL string   `json:"websocket_url"`
	Version      string   `json:"version"`
	Platform     string   `json:"platform"`
	App          string   `json:"app"`
	Capabilities []string `json:"capabilities"`
}

// Discover fetches the discovery document from a bridge's HTTP endpoint.
// baseURL is "http://host:port" with or without a trailing slash.
func Discover(ctx context.Context, baseURL string) (*Discovery, error) {
	url := strings.TrimRight(baseURL, "/") + "/discover"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discover %s: status %d", url, resp.StatusCode)
	}

	doc := &Discovery{}
	if err := json.NewDecoder(resp.Body).Decode(doc); err != nil {
		return nil, fmt.Errorf("parse discovery document: %w", err)
	}
	return doc, nil
}
