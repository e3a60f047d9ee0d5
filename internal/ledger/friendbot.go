package ledger

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Friendbot funds throwaway accounts on the test network.
type Friendbot struct {
	URL        string
	HTTPClient *http.Client
}

func NewFriendbot(rawURL string) *Friendbot {
	return &Friendbot{
		URL:        rawURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Fund asks friendbot to create and fund address.
func (f *Friendbot) Fund(ctx context.Context, address string) error {
	if f.URL == "" {
		return fmt.Errorf("friendbot url is not configured")
	}
	u, err := url.Parse(f.URL)
	if err != nil {
		return fmt.Errorf("parse friendbot url: %w", err)
	}
	q := u.Query()
	q.Set("addr", address)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := f.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("friendbot request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("friendbot returned %d: %s", resp.StatusCode, body)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
