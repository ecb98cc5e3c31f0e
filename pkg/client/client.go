// Package client talks to the backupd HTTP API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// Client provides HTTP client functionality to communicate with a backupd server
type Client struct {
	baseURL string
	client  *http.Client // bounded requests
	stream  *http.Client // streams and downloads, no overall timeout
	logger  *slog.Logger
	token   string
	user    string
	pass    string
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification

	Token    string // bearer token, preferred over basic credentials
	Username string
	Password string
}

// TLSClientConfig holds TLS configuration for client
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
		BaseURL: "http://localhost:8080/api",
		Timeout: 30 * time.Second,
	}
}

// New creates a new backupd API client.
func New(config Config) (*Client, error) {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, fmt.Errorf("TLS setup failed: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout, Transport: transport},
		stream:  &http.Client{Transport: transport},
		token:   config.Token,
		user:    config.Username,
		pass:    config.Password,
	}, nil
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true // #nosec G402 -- explicitly requested
		return tlsConfig, nil
	}
	if config.TLS == nil {
		return tlsConfig, nil
	}
	if config.TLS.SkipVerify {
		tlsConfig.InsecureSkipVerify = true // #nosec G402 -- explicitly requested
	}
	if config.TLS.ServerName != "" {
		tlsConfig.ServerName = config.TLS.ServerName
	}
	if config.TLS.CACert != "" {
		if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
	}
	if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath) // #nosec G304 -- operator-supplied path
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

// Health returns the server health; it does not require credentials.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.doJSON(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// IsReachable checks if the server is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	h, err := c.Health(ctx)
	if err != nil {
		c.logger.Debug("Server unreachable", "error", err)
		return false
	}
	return h.OK
}

// ListBackups returns the artifacts, newest first.
func (c *Client) ListBackups(ctx context.Context) ([]Backup, error) {
	var out backupsResp
	if err := c.doJSON(ctx, http.MethodGet, "/backups", nil, &out); err != nil {
		return nil, err
	}
	return out.Backups, nil
}

// RunBackup starts a backup and returns its job id.
func (c *Client) RunBackup(ctx context.Context, req BackupRequest) (string, error) {
	c.logger.Debug("Starting backup", "dry_run", req.DryRun)
	var out jobResp
	if err := c.doJSON(ctx, http.MethodPost, "/run-backup", req, &out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

// Restore starts a restore and returns its job id.
func (c *Client) Restore(ctx context.Context, req RestoreRequest) (string, error) {
	c.logger.Debug("Starting restore", "backup", req.BackupName)
	var out jobResp
	if err := c.doJSON(ctx, http.MethodPost, "/restore", req, &out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

// DeleteBackup removes an artifact.
func (c *Client) DeleteBackup(ctx context.Context, name string) error {
	return c.doJSON(ctx, http.MethodPost, "/delete-backup", deleteReq{BackupName: name}, nil)
}

// Jobs lists the running jobs.
func (c *Client) Jobs(ctx context.Context) ([]Job, error) {
	var out jobsResp
	if err := c.doJSON(ctx, http.MethodGet, "/jobs", nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// Download copies an artifact to w and returns the filename suggested by
// the server. Directories arrive as zip archives.
func (c *Client) Download(ctx context.Context, name string, w io.Writer) (string, int64, error) {
	resp, err := c.send(ctx, c.stream, http.MethodGet, "/download/"+url.PathEscape(name), nil)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	filename := name
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		filename = params["filename"]
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return filename, n, fmt.Errorf("download %s: %w", name, err)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return filename, n, fmt.Errorf("download %s: %w", name, io.ErrUnexpectedEOF)
	}
	return filename, n, nil
}

// Stream follows a job's output, calling fn for every event including the
// final end event. It returns the end event, or an error if the stream broke
// before it. An error from fn stops the stream and is returned.
func (c *Client) Stream(ctx context.Context, jobID string, fn func(Event) error) (Event, error) {
	resp, err := c.send(ctx, c.stream, http.MethodGet, "/stream/"+url.PathEscape(jobID), nil)
	if err != nil {
		return Event{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	r := newEventReader(resp.Body)
	for {
		ev, err := r.next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return Event{}, fmt.Errorf("stream %s: %w", jobID, err)
		}
		if fn != nil {
			if err := fn(ev); err != nil {
				return Event{}, err
			}
		}
		if ev.Type == EventEnd {
			return ev, nil
		}
	}
}

// eventReader decodes text/event-stream frames incrementally.
type eventReader struct {
	sc *bufio.Scanner
}

func newEventReader(r io.Reader) *eventReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	return &eventReader{sc: sc}
}

func (r *eventReader) next() (Event, error) {
	var (
		name string
		data []string
		seen bool
	)
	for r.sc.Scan() {
		line := r.sc.Text()
		if line == "" {
			if !seen {
				continue
			}
			ev := Event{Type: EventData, Data: strings.Join(data, "\n")}
			switch name {
			case "", "message":
			default:
				ev.Type = name
			}
			return ev, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			name = value
			seen = true
		case "data":
			data = append(data, value)
			seen = true
		}
	}
	if err := r.sc.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

func (c *Client) authorize(req *http.Request) {
	switch {
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	case c.user != "":
		req.SetBasicAuth(c.user, c.pass)
	}
}

// send performs a request and turns non-2xx responses into *APIError.
func (c *Client) send(ctx context.Context, hc *http.Client, method, path string, body any) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := hc.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "path", path)
		return nil, fmt.Errorf("do request: %w", err)
	}
	if err := c.handleErrorResponse(resp); err != nil {
		_ = resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, c.client, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err == nil {
		apiErr.Message = errorResp.Error
	}
	c.logger.Debug("API request failed", "error", apiErr.Message, "status", resp.StatusCode)
	return apiErr
}
