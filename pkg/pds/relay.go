package pds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	relayRequestTimeout = 15 * time.Second
	relayRetryAttempts  = 3
)

// notifyRelays asks each configured relay to start crawling this host.
// Best effort with bounded retries; a relay that stays unreachable is
// logged and skipped.
func (s *Service) notifyRelays(ctx context.Context) {
	host := s.Cfg.Hostname
	if u, err := url.Parse(s.Cfg.PublicURL); err == nil && u.Host != "" {
		host = u.Host
	}
	for _, relay := range s.Cfg.Federation.RelayURLs {
		if err := s.requestCrawl(ctx, relay, host); err != nil {
			s.Log.WithError(err).WithField("relay", relay).Warn("relay crawl request failed")
			continue
		}
		s.Log.WithField("relay", relay).Info("requested relay crawl")
	}
}

// requestCrawl POSTs com.atproto.sync.requestCrawl with exponential
// backoff between attempts.
func (s *Service) requestCrawl(ctx context.Context, relayURL, hostname string) error {
	endpoint := strings.TrimRight(relayURL, "/") + "/xrpc/com.atproto.sync.requestCrawl"
	body, err := json.Marshal(map[string]string{"hostname": hostname})
	if err != nil {
		return fmt.Errorf("request crawl: %w", err)
	}

	client := &http.Client{Timeout: relayRequestTimeout}
	backoff := time.Second
	var lastErr error
	for attempt := 0; attempt < relayRetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("request crawl: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("status %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			// The relay understood and refused; retrying will not help.
			break
		}
	}
	return fmt.Errorf("request crawl %s: %w", relayURL, lastErr)
}
