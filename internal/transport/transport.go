// Package transport is the raw HTTP layer of the chat client. It
// speaks form-encoded requests, keeps one cookie jar per client and
// merges cookies returned by every response back into it.
package transport

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

// Response carries the outcome of a single request. Non-2xx statuses
// are returned here, not as errors: the platform reports throttling
// and command failures through the body of error responses.
type Response struct {
	StatusCode int
	Body       string
}

func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

type Client struct {
	http      *http.Client
	userAgent string
}

func New(timeout time.Duration, userAgent string) (*Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	return &Client{
		http:      &http.Client{Timeout: timeout, Jar: jar},
		userAgent: userAgent,
	}, nil
}

// Get performs a GET with the given query parameters, expressed as
// alternating key/value pairs.
func (c *Client) Get(ctx context.Context, rawURL string, params ...string) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		q := u.Query()
		for i := 0; i+1 < len(params); i += 2 {
			q.Set(params[i], params[i+1])
		}
		u.RawQuery = q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return c.do(req, "")
}

// Post performs a form-encoded POST with the given alternating
// key/value pairs.
func (c *Client) Post(ctx context.Context, rawURL string, fields ...string) (*Response, error) {
	form := url.Values{}
	for i := 0; i+1 < len(fields); i += 2 {
		form.Set(fields[i], fields[i+1])
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	return c.do(req, "application/x-www-form-urlencoded")
}

// PostFile performs a multipart POST carrying one file part plus the
// given form fields.
func (c *Client) PostFile(ctx context.Context, rawURL, fieldName, fileName string, file io.Reader, fields ...string) (*Response, error) {
	var buf strings.Builder
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(fieldName, fileName)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, err
	}
	for i := 0; i+1 < len(fields); i += 2 {
		if err := mw.WriteField(fields[i], fields[i+1]); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(buf.String()))
	if err != nil {
		return nil, err
	}
	return c.do(req, mw.FormDataContentType())
}

func (c *Client) do(req *http.Request, contentType string) (*Response, error) {
	req.Header.Set("User-Agent", c.userAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", req.URL, err)
	}
	return &Response{StatusCode: resp.StatusCode, Body: string(body)}, nil
}
