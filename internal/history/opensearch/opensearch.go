// Package opensearch ships lifecycle events to an OpenSearch (or Elasticsearch) index.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"

	"github.com/loykin/gitview/internal/history"
)

// Sink indexes each event as one document keyed by the event id, so a
// retried send overwrites instead of duplicating.
type Sink struct {
	http  *http.Client
	base  string
	index string
}

func New(baseURL, index string) *Sink {
	return &Sink{
		http:  &http.Client{Timeout: 5 * time.Second},
		base:  baseURL,
		index: index,
	}
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	parts := []string{s.index, "_doc"}
	if e.ID != "" {
		parts = append(parts, e.ID)
	}
	target, err := url.JoinPath(s.base, parts...)
	if err != nil {
		return fmt.Errorf("opensearch url: %w", err)
	}
	doc, err := json.Marshal(e)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(doc))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("opensearch index %s: %w", s.index, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if reason := gjson.GetBytes(body, "error.reason").String(); reason != "" {
		return fmt.Errorf("opensearch index %s: %d %s", s.index, resp.StatusCode, reason)
	}
	return fmt.Errorf("opensearch index %s: status %d", s.index, resp.StatusCode)
}
