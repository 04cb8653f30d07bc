package smoketest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const loginPath = "/accounts/login/"

var csrfFieldRe = regexp.MustCompile(`name=["']csrfmiddlewaretoken["']\s+value=["']([^"']+)["']`)

// LoginClient performs the web UI login handshake: fetch the login form,
// extract the anti-forgery token, then post credentials with the session
// cookie jar carried across both requests.
type LoginClient struct {
	baseURL string
	client  *http.Client
}

// NewLoginClient builds a client with its own cookie jar. Redirects are not
// followed: the login POST's status code is the signal.
func NewLoginClient(baseURL string, base *http.Client) (*LoginClient, error) {
	if baseURL == "" {
		return nil, errors.New("smoketest: login base URL is required")
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	client := &http.Client{
		Timeout: 30 * time.Second,
		Jar:     jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	if base != nil {
		client.Transport = base.Transport
		if base.Timeout != 0 {
			client.Timeout = base.Timeout
		}
	}

	return &LoginClient{baseURL: strings.TrimRight(baseURL, "/"), client: client}, nil
}

// FetchToken loads the login form and returns the CSRF token, preferring the
// hidden form field and falling back to the csrftoken cookie. The session
// cookie lands in the jar as a side effect.
func (c *LoginClient) FetchToken(ctx context.Context) (string, error) {
	loginURL := c.baseURL + loginPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loginURL, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("smoketest: fetch login form: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("smoketest: login form returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}

	if m := csrfFieldRe.FindSubmatch(body); m != nil {
		return string(m[1]), nil
	}

	if u, err := url.Parse(loginURL); err == nil {
		for _, cookie := range c.client.Jar.Cookies(u) {
			if cookie.Name == "csrftoken" {
				return cookie.Value, nil
			}
		}
	}

	return "", errors.New("smoketest: no CSRF token in login form or cookies")
}

// Login authenticates against the web UI. A re-rendered login form (HTTP 200
// on the POST) means the credentials were rejected.
func (c *LoginClient) Login(ctx context.Context, username, password string) error {
	token, err := c.FetchToken(ctx)
	if err != nil {
		return err
	}

	loginURL := c.baseURL + loginPath

	form := url.Values{}
	form.Set("csrfmiddlewaretoken", token)
	form.Set("username", username)
	form.Set("password", password)
	form.Set("next", "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, loginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", loginURL)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("smoketest: post login: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusFound || resp.StatusCode == http.StatusSeeOther:
		if loc := resp.Header.Get("Location"); strings.Contains(loc, loginPath) {
			return errors.New("smoketest: login redirected back to login page")
		}
		return nil
	case resp.StatusCode == http.StatusOK:
		return errors.New("smoketest: login rejected, form re-rendered")
	default:
		return fmt.Errorf("smoketest: login returned unexpected status %d", resp.StatusCode)
	}
}
