// Package rest is the client for the backend's REST surface. Every
// failure reaching callers is an *apperr.Error.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cydjerr/speakjerr/internal/apperr"
	"github.com/cydjerr/speakjerr/internal/config"
	"github.com/cydjerr/speakjerr/internal/credentials"
)

const (
	defaultTimeout       = 10 * time.Second
	defaultUploadTimeout = 120 * time.Second
	maxResponseSize      = 8 << 20
)

// Config holds configuration for creating a Client.
type Config struct {
	// BaseURL is the REST root, including the REST suffix
	// (e.g. "http://localhost:5000/api").
	BaseURL string

	// Timeout bounds ordinary requests. Defaults to 10s.
	Timeout time.Duration

	// UploadTimeout bounds multipart uploads. Defaults to 120s.
	UploadTimeout time.Duration

	// Credentials supplies the bearer token, read on every request.
	Credentials credentials.Store

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client

	Logger *zap.Logger
}

// ConfigFrom maps the [api] config section.
func ConfigFrom(cfg *config.Config, creds credentials.Store, logger *zap.Logger) Config {
	return Config{
		BaseURL:       cfg.API.BaseURL,
		Timeout:       cfg.API.Timeout.Duration,
		UploadTimeout: cfg.API.UploadTimeout.Duration,
		Credentials:   creds,
		Logger:        logger,
	}
}

// Client is the REST client.
type Client struct {
	baseURL       string
	timeout       time.Duration
	uploadTimeout time.Duration
	creds         credentials.Store
	httpClient    *http.Client
	logger        *zap.Logger
}

// NewClient creates a client from cfg.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("rest: invalid base url %q", cfg.BaseURL)
	}
	c := &Client{
		baseURL:       base,
		timeout:       cfg.Timeout,
		uploadTimeout: cfg.UploadTimeout,
		creds:         cfg.Credentials,
		httpClient:    cfg.HTTPClient,
		logger:        cfg.Logger,
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.uploadTimeout <= 0 {
		c.uploadTimeout = defaultUploadTimeout
	}
	if c.httpClient == nil {
		c.httpClient = http.DefaultClient
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c, nil
}

// envelope is the success body: {"data": ...}.
type envelope struct {
	Data json.RawMessage `json:"data"`
}

// do sends a JSON request and decodes the data field of the response into
// out. A 304 leaves out untouched.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return apperr.Wrap(apperr.CodeValidation, "encode request body", err)
		}
		reader = bytes.NewReader(b)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.newRequest(ctx, method, path, query, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

// Upload is a file part of a multipart request.
type Upload struct {
	FieldName   string
	FileName    string
	ContentType string
	Body        io.Reader
}

// doMultipart sends fields and an optional file as multipart/form-data
// under the upload timeout.
func (c *Client) doMultipart(ctx context.Context, path string, fields map[string]string, file *Upload, out any) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return apperr.Wrap(apperr.CodeValidation, "encode form field", err)
		}
	}
	if file != nil {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, file.FieldName, file.FileName))
		ct := file.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)
		part, err := w.CreatePart(h)
		if err != nil {
			return apperr.Wrap(apperr.CodeValidation, "encode upload", err)
		}
		if _, err := io.Copy(part, file.Body); err != nil {
			return apperr.Wrap(apperr.CodeValidation, "read upload", err)
		}
	}
	if err := w.Close(); err != nil {
		return apperr.Wrap(apperr.CodeValidation, "encode multipart body", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	defer cancel()
	req, err := c.newRequest(ctx, http.MethodPost, path, nil, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return c.send(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	if c.creds != nil {
		token, err := c.creds.Token(ctx)
		switch {
		case err == nil:
			req.Header.Set("Authorization", "Bearer "+token)
		case !errors.Is(err, credentials.ErrNoToken):
			return nil, apperr.Wrap(apperr.CodeUnknown, "read token", err)
		}
	}
	return req, nil
}

func (c *Client) send(req *http.Request, out any) error {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		e := apperr.FromTransport(err)
		c.logger.Warn("request failed",
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.String("code", string(e.Code)),
			zap.Error(err),
		)
		return e
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return apperr.FromTransport(err)
	}
	c.logger.Debug("request",
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return apperr.FromStatus(resp.StatusCode, body)
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return &apperr.Error{Code: apperr.CodeServer, Message: "malformed response body", Status: resp.StatusCode, Err: err}
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &apperr.Error{Code: apperr.CodeServer, Message: "unexpected response shape", Status: resp.StatusCode, Err: err}
	}
	return nil
}

func pageQuery(page int) url.Values {
	q := url.Values{}
	if page > 0 {
		q.Set("page", fmt.Sprint(page))
	}
	return q
}
