package http

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/ikenchina/fdwxact/define"
)

// Send issues a request carrying the admin token, if any, and returns the
// status code and body.
func Send(ctx context.Context, token string, method, url string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if len(token) != 0 {
		req.Header.Set(define.AdminTokenHeader, token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	d, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, d, nil
}

func Get(ctx context.Context, token string, url string) ([]byte, int, error) {
	code, body, err := Send(ctx, token, http.MethodGet, url, nil)
	return body, code, err
}

func Post(ctx context.Context, token string, url string, payload []byte) ([]byte, int, error) {
	code, body, err := Send(ctx, token, http.MethodPost, url, payload)
	return body, code, err
}

func Delete(ctx context.Context, token string, url string) ([]byte, int, error) {
	code, body, err := Send(ctx, token, http.MethodDelete, url, nil)
	return body, code, err
}
