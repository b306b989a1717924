// Package client is the HTTP SDK for the job scheduler's REST control
// plane (internal/server), rewritten on go-resty/resty/v2 the way
// seakee-dockmon talks to its own and Docker's REST APIs, replacing the
// teacher's hand-rolled net/http client.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/loykin/agenda/internal/job"
	"github.com/loykin/agenda/internal/repository"
)

// Client talks to an internal/server control-plane instance.
type Client struct {
	rc     *resty.Client
	logger *slog.Logger
}

// Config holds client configuration.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	AuthToken  string // bearer JWT, if the server requires authentication
	Logger     *slog.Logger
	TLS        *TLSClientConfig
	Insecure   bool // skip TLS verification
}

// TLSClientConfig holds TLS configuration for the client.
type TLSClientConfig struct {
	Enabled    bool
	CACert     string
	ClientCert string
	ClientKey  string
	ServerName string
	SkipVerify bool
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{BaseURL: "http://localhost:8080", Timeout: 10 * time.Second}
}

// InsecureConfig returns a client configuration that skips TLS verification,
// for local development against a self-signed control plane.
func InsecureConfig() Config {
	return Config{BaseURL: "https://localhost:8080", Timeout: 10 * time.Second, Insecure: true}
}

// New builds a resty-backed Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	rc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")

	if cfg.AuthToken != "" {
		rc.SetAuthToken(cfg.AuthToken)
	}

	if cfg.Insecure || (cfg.TLS != nil && cfg.TLS.Enabled) {
		tlsConfig, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("client: setup TLS: %w", err)
		}
		rc.SetTLSClientConfig(tlsConfig)
	}

	return &Client{rc: rc, logger: cfg.Logger}, nil
}

func buildTLSConfig(cfg Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}
	if cfg.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}
	if cfg.TLS.SkipVerify {
		tlsConfig.InsecureSkipVerify = true
	}
	if cfg.TLS.ServerName != "" {
		tlsConfig.ServerName = cfg.TLS.ServerName
	}
	if cfg.TLS.CACert != "" {
		pem, err := os.ReadFile(cfg.TLS.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}
	if cfg.TLS.ClientCert != "" && cfg.TLS.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.ClientCert, cfg.TLS.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// IsReachable reports whether the control plane responds to a list request.
func (c *Client) IsReachable(ctx context.Context) bool {
	resp, err := c.rc.R().SetContext(ctx).Get("/jobs")
	if err != nil {
		c.logger.Debug("control plane unreachable", "error", err)
		return false
	}
	return resp.StatusCode() != 0
}

// SaveJob upserts rec (spec §3) and returns the canonical stored record.
func (c *Client) SaveJob(ctx context.Context, rec *job.Record) (*job.Record, error) {
	var out job.Record
	var apiErr errorResp
	resp, err := c.rc.R().
		SetContext(ctx).
		SetBody(rec).
		SetResult(&out).
		SetError(&apiErr).
		Post("/jobs")
	if err != nil {
		return nil, fmt.Errorf("client: save job: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("client: save job: %s", apiErr.Error)
	}
	return &out, nil
}

// ListJobs queries jobs matching q.
func (c *Client) ListJobs(ctx context.Context, q repository.Query) (repository.Page, error) {
	var page repository.Page
	var apiErr errorResp
	resp, err := c.rc.R().
		SetContext(ctx).
		SetQueryParams(queryParams(q)).
		SetResult(&page).
		SetError(&apiErr).
		Get("/jobs")
	if err != nil {
		return page, fmt.Errorf("client: list jobs: %w", err)
	}
	if resp.IsError() {
		return page, fmt.Errorf("client: list jobs: %s", apiErr.Error)
	}
	return page, nil
}

// GetJob fetches a single record by id.
func (c *Client) GetJob(ctx context.Context, id string) (*job.Record, error) {
	var out job.Record
	var apiErr errorResp
	resp, err := c.rc.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&apiErr).
		Get("/jobs/" + id)
	if err != nil {
		return nil, fmt.Errorf("client: get job: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("client: get job: %s", apiErr.Error)
	}
	return &out, nil
}

// PurgeJobs bulk-deletes records matching q, returning the count removed.
func (c *Client) PurgeJobs(ctx context.Context, q repository.Query) (int, error) {
	return c.bulkOp(ctx, resty.MethodDelete, "/jobs", q, "removed")
}

// DisableJobs bulk-disables records matching q.
func (c *Client) DisableJobs(ctx context.Context, q repository.Query) (int, error) {
	return c.bulkOp(ctx, resty.MethodPost, "/jobs/disable", q, "disabled")
}

// EnableJobs bulk-enables records matching q.
func (c *Client) EnableJobs(ctx context.Context, q repository.Query) (int, error) {
	return c.bulkOp(ctx, resty.MethodPost, "/jobs/enable", q, "enabled")
}

func (c *Client) bulkOp(ctx context.Context, method, path string, q repository.Query, countField string) (int, error) {
	var out map[string]int
	var apiErr errorResp
	resp, err := c.rc.R().
		SetContext(ctx).
		SetQueryParams(queryParams(q)).
		SetResult(&out).
		SetError(&apiErr).
		Execute(method, path)
	if err != nil {
		return 0, fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("client: %s %s: %s", method, path, apiErr.Error)
	}
	return out[countField], nil
}

// RunNow bypasses the poll path for id (spec §4.G).
func (c *Client) RunNow(ctx context.Context, id string) error {
	var apiErr errorResp
	resp, err := c.rc.R().
		SetContext(ctx).
		SetError(&apiErr).
		Post("/jobs/" + id + "/now")
	if err != nil {
		return fmt.Errorf("client: run now: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("client: run now: %s", apiErr.Error)
	}
	return nil
}

// QueueDepth reports the number of leased, not-yet-dispatched jobs for name.
func (c *Client) QueueDepth(ctx context.Context, name string) (int, error) {
	var out map[string]any
	var apiErr errorResp
	resp, err := c.rc.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&apiErr).
		Get("/queue/" + name)
	if err != nil {
		return 0, fmt.Errorf("client: queue depth: %w", err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("client: queue depth: %s", apiErr.Error)
	}
	depth, _ := out["depth"].(float64)
	return int(depth), nil
}

func queryParams(q repository.Query) map[string]string {
	params := map[string]string{}
	if q.Name != "" {
		params["name"] = q.Name
	}
	if q.Disabled != nil {
		if *q.Disabled {
			params["disabled"] = "true"
		} else {
			params["disabled"] = "false"
		}
	}
	if len(q.Tags) > 0 {
		tags := q.Tags[0]
		for _, t := range q.Tags[1:] {
			tags += "," + t
		}
		params["tag"] = tags
	}
	if q.Limit > 0 {
		params["limit"] = fmt.Sprint(q.Limit)
	}
	if q.Skip > 0 {
		params["skip"] = fmt.Sprint(q.Skip)
	}
	return params
}
