package searchindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/esmero/strawberry-runners-sub000/errors"
	"github.com/esmero/strawberry-runners-sub000/pkg/retry"
)

// HTTPConfig configures one HTTP index client
type HTTPConfig struct {
	ID          string            `json:"id" yaml:"id"`
	Endpoint    string            `json:"endpoint" yaml:"endpoint"`
	Datasources []string          `json:"datasources" yaml:"datasources"`
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Timeout     time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// HTTPIndex talks to a search index over a small JSON POST protocol:
// /query, /track/inserted and /track/deleted relative to the endpoint.
type HTTPIndex struct {
	cfg    HTTPConfig
	client *http.Client
	logger *slog.Logger
}

// NewHTTPIndex creates an HTTP index client
func NewHTTPIndex(cfg HTTPConfig, client *http.Client, logger *slog.Logger) (*HTTPIndex, error) {
	if cfg.ID == "" || cfg.Endpoint == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "HTTPIndex", "NewHTTPIndex", "config validation")
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPIndex{cfg: cfg, client: client, logger: logger}, nil
}

// ID implements Index
func (h *HTTPIndex) ID() string { return h.cfg.ID }

// Supports implements Index
func (h *HTTPIndex) Supports(datasource string) bool {
	for _, ds := range h.cfg.Datasources {
		if ds == datasource {
			return true
		}
	}
	return false
}

type trackRequest struct {
	Datasource string   `json:"datasource"`
	ItemIDs    []string `json:"item_ids"`
}

type queryResponse struct {
	Count int `json:"count"`
}

// Query implements Index
func (h *HTTPIndex) Query(ctx context.Context, datasource string, itemIDs []string) (int, error) {
	body, err := h.post(ctx, "/query", trackRequest{Datasource: datasource, ItemIDs: itemIDs})
	if err != nil {
		return 0, errors.Wrap(err, "HTTPIndex", "Query", "index query")
	}

	var resp queryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, errors.WrapInvalid(err, "HTTPIndex", "Query", "response decoding")
	}
	return resp.Count, nil
}

// TrackInserted implements Index
func (h *HTTPIndex) TrackInserted(ctx context.Context, datasource string, itemIDs []string) error {
	if len(itemIDs) == 0 {
		return nil
	}
	if _, err := h.post(ctx, "/track/inserted", trackRequest{Datasource: datasource, ItemIDs: itemIDs}); err != nil {
		return errors.Wrap(err, "HTTPIndex", "TrackInserted", "index tracking")
	}
	return nil
}

// TrackDeleted implements Index
func (h *HTTPIndex) TrackDeleted(ctx context.Context, datasource string, itemIDs []string) error {
	if len(itemIDs) == 0 {
		return nil
	}
	if _, err := h.post(ctx, "/track/deleted", trackRequest{Datasource: datasource, ItemIDs: itemIDs}); err != nil {
		return errors.Wrap(err, "HTTPIndex", "TrackDeleted", "index tracking")
	}
	return nil
}

// post sends one JSON request with bounded retries. Client errors
// (4xx) are not retried; 5xx and transport errors are.
func (h *HTTPIndex) post(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, retry.NonRetryable(fmt.Errorf("request encoding: %w", err))
	}

	var body []byte
	err = retry.Do(ctx, retry.Quick(), func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.Endpoint+path, bytes.NewReader(data))
		if err != nil {
			return retry.NonRetryable(err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range h.cfg.Headers {
			req.Header.Set(k, v)
		}

		resp, err := h.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			body = b
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return retry.NonRetryable(fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status))
		default:
			return fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
		}
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}
