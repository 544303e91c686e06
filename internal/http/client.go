package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to a Server.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 3 * time.Second},
	}
}

// ListOptions select the keys returned by Keys.
type ListOptions struct {
	Prefix   string
	Lower    string
	Upper    string
	Reverse  bool
	Limit    int
	Snapshot string
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte) (Response, int, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return Response{}, 0, fmt.Errorf("create %s request: %w", method, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Response{}, 0, fmt.Errorf("%s do: %w", method, err)
	}
	defer resp.Body.Close()

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Response{}, resp.StatusCode, fmt.Errorf("decode %s body: %w", method, err)
	}
	return out, resp.StatusCode, nil
}

func expect(method string, status, want int, resp Response) error {
	if status != want {
		return fmt.Errorf("%s failed: %d: %s", method, status, resp.Error)
	}
	return nil
}

func kvPath(key string) string {
	return "/kv/" + url.PathEscape(key)
}

// Put stores value under key and returns the write seqno.
func (c *Client) Put(ctx context.Context, key, value string) (uint64, error) {
	resp, status, err := c.do(ctx, http.MethodPut, kvPath(key), nil, []byte(value))
	if err != nil {
		return 0, err
	}
	return resp.SeqNo, expect("PUT", status, http.StatusOK, resp)
}

func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	return c.get(ctx, key, nil)
}

// GetAt reads key as seen by an open snapshot.
func (c *Client) GetAt(ctx context.Context, key, snapshotID string) (string, bool, error) {
	return c.get(ctx, key, url.Values{"snapshot": {snapshotID}})
}

func (c *Client) get(ctx context.Context, key string, query url.Values) (string, bool, error) {
	resp, status, err := c.do(ctx, http.MethodGet, kvPath(key), query, nil)
	if err != nil {
		return "", false, err
	}
	if status == http.StatusNotFound && resp.Error == "Key not found" {
		return "", false, nil
	}
	if err := expect("GET", status, http.StatusOK, resp); err != nil {
		return "", false, err
	}
	return resp.Value, true, nil
}

func (c *Client) Delete(ctx context.Context, key string) (uint64, error) {
	resp, status, err := c.do(ctx, http.MethodDelete, kvPath(key), nil, nil)
	if err != nil {
		return 0, err
	}
	return resp.SeqNo, expect("DELETE", status, http.StatusOK, resp)
}

func (c *Client) Keys(ctx context.Context, opts ListOptions) ([]Item, error) {
	q := url.Values{}
	for name, v := range map[string]string{
		"prefix":   opts.Prefix,
		"lower":    opts.Lower,
		"upper":    opts.Upper,
		"snapshot": opts.Snapshot,
	} {
		if v != "" {
			q.Set(name, v)
		}
	}
	if opts.Reverse {
		q.Set("reverse", "true")
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}

	resp, status, err := c.do(ctx, http.MethodGet, "/keys", q, nil)
	if err != nil {
		return nil, err
	}
	return resp.Items, expect("LIST", status, http.StatusOK, resp)
}

func (c *Client) Flush(ctx context.Context) error {
	resp, status, err := c.do(ctx, http.MethodPost, "/flush", nil, nil)
	if err != nil {
		return err
	}
	return expect("FLUSH", status, http.StatusOK, resp)
}

// OpenSnapshot pins a snapshot on the server. A zero seqno means "now".
func (c *Client) OpenSnapshot(ctx context.Context, seqno uint64) (string, uint64, error) {
	q := url.Values{}
	if seqno > 0 {
		q.Set("seqno", strconv.FormatUint(seqno, 10))
	}

	resp, status, err := c.do(ctx, http.MethodPost, "/snapshots", q, nil)
	if err != nil {
		return "", 0, err
	}
	if err := expect("SNAPSHOT", status, http.StatusCreated, resp); err != nil {
		return "", 0, err
	}
	return resp.Snapshot, resp.SeqNo, nil
}

func (c *Client) CloseSnapshot(ctx context.Context, id string) error {
	resp, status, err := c.do(ctx, http.MethodDelete, "/snapshots/"+url.PathEscape(id), nil, nil)
	if err != nil {
		return err
	}
	return expect("SNAPSHOT DELETE", status, http.StatusOK, resp)
}
