package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const DefaultBaseURL = "http://127.0.0.1:8080/api"

// Client talks to a gitview daemon's REST API.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Token   string // sent as a bearer token when set
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
	TLS     *TLSClientConfig
}

// TLSClientConfig configures HTTPS connections to the daemon.
type TLSClientConfig struct {
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: 10 * time.Second,
	}
}

// New creates a new gitview API client. It fails only when TLS material cannot be loaded.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil {
		tlsConfig, err := setupClientTLS(config.TLS)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		token:   config.Token,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

// BaseURL returns the API root the client sends requests to.
func (c *Client) BaseURL() string { return c.baseURL }

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/projects", nil)
	if err != nil {
		return false
	}
	c.authorize(req)
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode != http.StatusNotFound
}

func (c *Client) Register(ctx context.Context, req RegisterRequest) (Project, error) {
	var p Project
	err := c.do(ctx, http.MethodPost, "/projects", req, &p)
	return p, err
}

func (c *Client) Clone(ctx context.Context, req CloneRequest) (CloneResult, error) {
	var res CloneResult
	err := c.do(ctx, http.MethodPost, "/repos", req, &res)
	return res, err
}

// Run blocks until the dev server is running or has failed; use a generous timeout.
func (c *Client) Run(ctx context.Context, id string) (Project, error) {
	var p Project
	err := c.do(ctx, http.MethodPost, projectPath(id, "run"), nil, &p)
	return p, err
}

func (c *Client) Stop(ctx context.Context, id string) (Project, error) {
	var p Project
	err := c.do(ctx, http.MethodPost, projectPath(id, "stop"), nil, &p)
	return p, err
}

func (c *Client) Delete(ctx context.Context, id string) (DeleteResult, error) {
	var res DeleteResult
	err := c.do(ctx, http.MethodDelete, projectPath(id, ""), nil, &res)
	return res, err
}

func (c *Client) Get(ctx context.Context, id string) (Project, error) {
	var p Project
	err := c.do(ctx, http.MethodGet, projectPath(id, ""), nil, &p)
	return p, err
}

func (c *Client) Status(ctx context.Context, id string) (StatusView, error) {
	var st StatusView
	err := c.do(ctx, http.MethodGet, projectPath(id, "status"), nil, &st)
	return st, err
}

func (c *Client) List(ctx context.Context) ([]Project, error) {
	var ps []Project
	err := c.do(ctx, http.MethodGet, "/projects", nil, &ps)
	return ps, err
}

func projectPath(id, action string) string {
	p := "/projects/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(cfg *TLSClientConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		// #nosec G402 -- opt-in for self-signed development proxies
		InsecureSkipVerify: cfg.SkipVerify,
		ServerName:         cfg.ServerName,
	}
	if cfg.CACert != "" {
		if err := loadCACert(tlsConfig, cfg.CACert); err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
	}
	if cfg.ClientCert != "" && cfg.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	// #nosec G304
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = caCertPool
	return nil
}

// do sends body as JSON and decodes a 2xx response into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.errorFrom(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) errorFrom(resp *http.Response) error {
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
		c.logger.Debug("undecodable error response", "status", resp.StatusCode)
		return &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: errorResp.Error, Project: errorResp.Project}
}
