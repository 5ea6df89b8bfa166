package acu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/w1xm/acu_interface/faults"
)

// HTTPDevice implements Device against the ACU's built-in web server.
type HTTPDevice struct {
	// BaseURL is the ACU root, e.g. "http://192.168.1.111:8100".
	BaseURL string
	Client  *http.Client
}

func NewHTTPDevice(baseURL string) *HTTPDevice {
	return &HTTPDevice{BaseURL: strings.TrimRight(baseURL, "/"), Client: http.DefaultClient}
}

func (d *HTTPDevice) do(ctx context.Context, method, path string, query url.Values, contentType string, body []byte) ([]byte, error) {
	u := d.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w: %w", method, path, err, faults.ErrTransport)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: reading body: %w: %w", method, path, err, faults.ErrTransport)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%s %s: HTTP %s: %q: %w", method, path, resp.Status, bytes.TrimSpace(out), faults.ErrTransport)
	}
	return out, nil
}

func (d *HTTPDevice) Values(ctx context.Context, identifier string) (map[string]interface{}, error) {
	body, err := d.do(ctx, http.MethodGet, "/Values", url.Values{"identifier": {identifier}, "format": {"JSON"}}, "", nil)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decoding %s: %v: %w", identifier, err, faults.ErrTransport)
	}
	return out, nil
}

func (d *HTTPDevice) Command(ctx context.Context, identifier, command string, params ...string) (string, error) {
	q := url.Values{"identifier": {identifier}, "command": {command}}
	if len(params) > 0 {
		q.Set("parameter", strings.Join(params, "|"))
	}
	body, err := d.do(ctx, http.MethodGet, "/Command", q, "", nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

func (d *HTTPDevice) Write(ctx context.Context, identifier string, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	_, err := d.do(ctx, http.MethodPost, "/Write", url.Values{"identifier": {identifier}}, "application/octet-stream", data)
	return err
}

func (d *HTTPDevice) UploadPtStack(ctx context.Context, text string) (string, error) {
	body, err := d.do(ctx, http.MethodPost, "/UploadPtStack", url.Values{"filename": {"acu_interface"}, "Type": {"File"}}, "text/plain", []byte(text))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}
