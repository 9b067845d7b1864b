package platform

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// IdempotencyHeader carries the request id so the remote platform can
// recognize a redelivery of the same logical operation.
const IdempotencyHeader = "Idempotency-Key"

type Response struct {
	StatusCode int
	Body       []byte
}

// Sender is the remote platform boundary. The outbox queue and the order
// sync engine both deliver through it.
type Sender interface {
	Send(ctx context.Context, method, url string, body []byte, headers map[string]string) (*Response, error)
}

type HTTPSender struct {
	client *http.Client
}

func NewHTTPSender(timeout time.Duration) *HTTPSender {
	return &HTTPSender{
		client: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSender) Send(ctx context.Context, method, url string, body []byte, headers map[string]string) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &Response{StatusCode: resp.StatusCode, Body: respBody}, nil
}

func IsSuccess(status int) bool {
	return status >= 200 && status < 300
}

// IsClientError reports a non-retryable rejection.
func IsClientError(status int) bool {
	return status >= 400 && status < 500
}
