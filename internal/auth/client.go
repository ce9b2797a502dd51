package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

// HTTPVerifier asks a remote auth service to resolve tokens. The service
// answers POST /verify with the identity JSON, or 401/404 for unknown
// tokens.
type HTTPVerifier struct {
	baseURL string
	http    *fasthttp.Client
	timeout time.Duration
}

type HTTPOption func(*HTTPVerifier)

func WithTimeout(d time.Duration) HTTPOption {
	return func(v *HTTPVerifier) { v.timeout = d }
}

func NewHTTPVerifier(baseURL string, opts ...HTTPOption) *HTTPVerifier {
	v := &HTTPVerifier{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &fasthttp.Client{ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second, MaxConnsPerHost: 64},
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *HTTPVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrEmptyToken
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetRequestURI(v.baseURL + "/verify")
	req.Header.SetContentType("application/json")

	payload, err := json.Marshal(struct {
		Token string `json:"token"`
	}{Token: token})
	if err != nil {
		return nil, err
	}
	req.SetBody(payload)

	deadline := time.Now().Add(v.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := v.http.DoDeadline(req, resp, deadline); err != nil {
		return nil, fmt.Errorf("auth service: %w", err)
	}

	switch resp.StatusCode() {
	case fasthttp.StatusOK:
	case fasthttp.StatusUnauthorized, fasthttp.StatusNotFound:
		return nil, ErrTokenUnknown
	default:
		return nil, fmt.Errorf("auth service: unexpected status %d", resp.StatusCode())
	}

	var id Identity
	if err := json.Unmarshal(resp.Body(), &id); err != nil {
		return nil, fmt.Errorf("auth service: decode response: %w", err)
	}
	if strings.TrimSpace(id.UserID) == "" {
		return nil, ErrTokenUnknown
	}
	return &id, nil
}
