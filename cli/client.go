package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/warden/pkg/auth"
	"github.com/haasonsaas/warden/pkg/config"
)

// apiError is a non-2xx answer from the device.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("device returned status %d", e.Status)
	}
	return fmt.Sprintf("device returned status %d: %s", e.Status, e.Message)
}

type client struct {
	baseURL  string
	http     *http.Client
	identity *auth.Identity
	retry    *retrier
}

func newClient(cfg config.AdminConfig, identity *auth.Identity) *client {
	timeout := time.Duration(cfg.RequestTimeoutS) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &client{
		baseURL:  strings.TrimRight(cfg.DeviceURL, "/"),
		http:     &http.Client{Timeout: timeout},
		identity: identity,
		retry:    newRetrier(cfg.RetryInitialMs, cfg.RetryMaxMs, cfg.RetryMaxRetries),
	}
}

func (c *client) endpoint(path string) string {
	return c.baseURL + path
}

// get fetches a read-only endpoint and decodes the JSON answer into out.
func (c *client) get(ctx context.Context, path string, out any) error {
	return c.retry.do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path), nil)
		if err != nil {
			return err
		}
		return c.send(req, out)
	}, isRetryableHTTP)
}

// post sends an unsigned JSON body.
func (c *client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return c.retry.do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		return c.send(req, out)
	}, isRetryableHTTP)
}

// admin sends an operator-signed request. Every attempt is signed afresh
// since the device burns the nonce of the previous one.
func (c *client) admin(ctx context.Context, method, path string, body, out any) error {
	if c.identity == nil {
		return errors.New("no operator identity loaded, run keygen first")
	}
	payload := []byte("{}")
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}
	return c.retry.do(ctx, func() error {
		signed := auth.CreateSignedRequest(c.identity, method, path, payload)
		req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		signed.Apply(req)
		return c.send(req, out)
	}, isRetryableHTTP)
}

func (c *client) send(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to device: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if isRetryableStatus(resp) {
		return retryableStatusError{status: resp.StatusCode}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &apiError{Status: resp.StatusCode}
		var payload struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &payload) == nil {
			apiErr.Message = payload.Error
		} else {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func statusOf(err error) int {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	var statusErr retryableStatusError
	if errors.As(err, &statusErr) {
		return statusErr.status
	}
	return 0
}
