// Package publisher submits built source packages to the downstream build
// queue that produces the distribution repositories for a release channel.
package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"packline/services/release"
)

// ErrAuth indicates the build queue rejected our credentials. Callers must
// treat this differently from submission failures: retrying cannot help.
var ErrAuth = errors.New("publisher: authentication rejected")

// Result describes the outcome of a single submission.
type Result struct {
	Channel   string `json:"channel"`
	BuildID   string `json:"build_id"`
	Succeeded bool   `json:"succeeded"`
	Detail    string `json:"detail,omitempty"`
}

// Client submits source packages to the build queue over HTTP.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// NewClientFromEnv reads PUBLISH_URL and PUBLISH_TOKEN.
func NewClientFromEnv(logger zerolog.Logger) (*Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("PUBLISH_URL"))
	token := strings.TrimSpace(os.Getenv("PUBLISH_TOKEN"))
	if baseURL == "" {
		return nil, errors.New("PUBLISH_URL is required")
	}
	if token == "" {
		return nil, errors.New("PUBLISH_TOKEN is required")
	}

	return &Client{
		BaseURL:    baseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 5 * time.Minute},
		Logger:     logger,
	}, nil
}

// Submit uploads the source package for a build on the given channel. The
// queue builds binaries for every target it manages; we only hand over the
// source package and the channel routing it.
func (c *Client) Submit(ctx context.Context, channel release.Channel, sourcePkgPath string) (Result, error) {
	if c == nil {
		return Result{}, errors.New("publisher: nil client")
	}
	if sourcePkgPath == "" {
		return Result{}, errors.New("publisher: source package path is required")
	}

	f, err := os.Open(sourcePkgPath)
	if err != nil {
		return Result{}, fmt.Errorf("publisher: open source package: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("channel", channel.String()); err != nil {
		return Result{}, fmt.Errorf("publisher: write channel field: %w", err)
	}
	part, err := mw.CreateFormFile("package", filepath.Base(sourcePkgPath))
	if err != nil {
		return Result{}, fmt.Errorf("publisher: create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return Result{}, fmt.Errorf("publisher: copy package: %w", err)
	}
	if err := mw.Close(); err != nil {
		return Result{}, fmt.Errorf("publisher: finalize form: %w", err)
	}

	url := strings.TrimRight(c.BaseURL, "/") + "/api/v1/builds"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.Token)

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("publisher: submit build: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return Result{}, fmt.Errorf("%w (status %d)", ErrAuth, resp.StatusCode)
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("publisher: build queue returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out struct {
		BuildID string `json:"build_id"`
		Detail  string `json:"detail"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("publisher: decode response: %w", err)
	}
	if out.BuildID == "" {
		return Result{}, errors.New("publisher: build queue returned no build id")
	}

	c.Logger.Info().Str("channel", channel.String()).Str("build_id", out.BuildID).Msg("source package submitted")

	return Result{
		Channel:   channel.String(),
		BuildID:   out.BuildID,
		Succeeded: true,
		Detail:    out.Detail,
	}, nil
}

// Record persists the submission outcome with the relay metadata service so
// runs can be audited after their artifacts expire.
func (c *Client) Record(ctx context.Context, registryURL, label string, res Result, submitErr error) error {
	if registryURL == "" {
		return nil
	}

	status := "succeeded"
	detail := res.Detail
	if submitErr != nil {
		status = "failed"
		detail = submitErr.Error()
	}

	payload, err := json.Marshal(map[string]string{
		"label":    label,
		"channel":  res.Channel,
		"build_id": res.BuildID,
		"status":   status,
		"detail":   detail,
	})
	if err != nil {
		return err
	}

	url := strings.TrimRight(registryURL, "/") + "/v1/publishes"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("publisher: record publish: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("publisher: record publish returned %d", resp.StatusCode)
	}
	return nil
}
