package http

import (
	"context"
	"encoding/json"
	"fmt"
)

// StatusError is returned by the *Json helpers for non-2xx replies.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d : %s", e.Code, e.Body)
}

func decode(body []byte, code int, resp interface{}) (int, error) {
	if code < 200 || code >= 300 {
		return code, &StatusError{Code: code, Body: string(body)}
	}
	if resp == nil || len(body) == 0 {
		return code, nil
	}
	return code, json.Unmarshal(body, resp)
}

func PostJson(ctx context.Context, token string, url string, payload interface{}, resp interface{}) (int, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	body, code, err := Post(ctx, token, url, data)
	if err != nil {
		return code, err
	}
	return decode(body, code, resp)
}

func GetJson(ctx context.Context, token string, url string, resp interface{}) (int, error) {
	body, code, err := Get(ctx, token, url)
	if err != nil {
		return code, err
	}
	return decode(body, code, resp)
}

func DeleteJson(ctx context.Context, token string, url string, resp interface{}) (int, error) {
	body, code, err := Delete(ctx, token, url)
	if err != nil {
		return code, err
	}
	return decode(body, code, resp)
}
