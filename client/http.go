package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// apiError is the error body written by the node.
type apiError struct {
	Error string `json:"error"`
}

// do sends a request and decodes a JSON response into result when it is non-nil.
// A status outside want is returned as a *StatusError.
func (c *Client) do(ctx context.Context, method, path string, body any, result any, want ...int) error {
	var reader io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body:\n%w", err)
		}

		reader = bytes.NewReader(data)
	}

	url := "http://" + c.nodeAddr + path

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build %s %s:\n%w", method, url, err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s:\n%w", method, url, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	for _, code := range want {
		if resp.StatusCode != code {
			continue
		}

		if result == nil || code == http.StatusNoContent {
			return nil
		}

		return json.NewDecoder(resp.Body).Decode(result)
	}

	var e apiError
	_ = json.NewDecoder(resp.Body).Decode(&e)

	return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Message: e.Error}
}
