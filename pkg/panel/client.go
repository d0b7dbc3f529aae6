package panel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ike666888/RemnaShop-Pro/pkg/httpx"
	"github.com/ike666888/RemnaShop-Pro/pkg/metrics"
)

// Gateway is the contract the order machine and risk engine consume.
type Gateway interface {
	GetEntitlement(ctx context.Context, uuid string) (*Profile, error)
	CreateEntitlement(ctx context.Context, req CreateRequest) (Profile, error)
	PatchEntitlement(ctx context.Context, req PatchRequest) error
	SetStatus(ctx context.Context, uuid, status string) error
	DeleteEntitlement(ctx context.Context, uuid string) error
	BulkUpdate(ctx context.Context, uuids []string, fields map[string]any) error
	BulkResetTraffic(ctx context.Context, uuids []string) error
	BulkDelete(ctx context.Context, uuids []string) error
}

type Client struct {
	HTTP    *http.Client
	BaseURL string
	Token   string
	Headers map[string]string
	// Retry applies to reads and absolute-value writes. Creation is never retried.
	Retry   httpx.RetryPolicy
	Timeout time.Duration
	// HistoryPath lists recent access records for the anomaly scan.
	HistoryPath string
}

var _ Gateway = (*Client)(nil)

func (c *Client) GetEntitlement(ctx context.Context, uuid string) (*Profile, error) {
	status, body, err := c.do(ctx, "get_user", http.MethodGet, "/users/"+url.PathEscape(uuid), nil, c.Retry)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if err := classify("get_user", status, body); err != nil {
		return nil, err
	}
	var p Profile
	if err := json.Unmarshal(extractPayload(body), &p); err != nil {
		return nil, &Error{Kind: KindUpstream, Op: "get_user", Status: status, Err: err}
	}
	return &p, nil
}

func (c *Client) CreateEntitlement(ctx context.Context, req CreateRequest) (Profile, error) {
	if req.Proxies == nil {
		req.Proxies = map[string]any{}
	}
	status, body, err := c.do(ctx, "create_user", http.MethodPost, "/users", req, httpx.NoRetry)
	if err != nil {
		return Profile{}, err
	}
	if err := classify("create_user", status, body); err != nil {
		return Profile{}, err
	}
	var p Profile
	if err := json.Unmarshal(extractPayload(body), &p); err != nil || p.UUID == "" {
		if err == nil {
			err = errors.New("response missing uuid")
		}
		return Profile{}, &Error{Kind: KindUpstream, Op: "create_user", Status: status, Err: err}
	}
	return p, nil
}

func (c *Client) PatchEntitlement(ctx context.Context, req PatchRequest) error {
	if strings.TrimSpace(req.UUID) == "" {
		return &Error{Kind: KindBusiness, Op: "patch_user", Err: errors.New("uuid required")}
	}
	status, body, err := c.do(ctx, "patch_user", http.MethodPatch, "/users", req, c.Retry)
	if err != nil {
		return err
	}
	return classify("patch_user", status, body)
}

func (c *Client) SetStatus(ctx context.Context, uuid, status string) error {
	return c.PatchEntitlement(ctx, PatchRequest{UUID: uuid, Status: status})
}

func (c *Client) DeleteEntitlement(ctx context.Context, uuid string) error {
	status, body, err := c.do(ctx, "delete_user", http.MethodDelete, "/users/"+url.PathEscape(uuid), nil, c.Retry)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return nil
	}
	return classify("delete_user", status, body)
}

func (c *Client) BulkUpdate(ctx context.Context, uuids []string, fields map[string]any) error {
	payload := map[string]any{"uuids": uuids, "fields": fields}
	status, body, err := c.do(ctx, "bulk_update", http.MethodPost, "/users/bulk/update", payload, c.Retry)
	if err != nil {
		return err
	}
	return classify("bulk_update", status, body)
}

func (c *Client) BulkResetTraffic(ctx context.Context, uuids []string) error {
	status, body, err := c.do(ctx, "bulk_reset", http.MethodPost, "/users/bulk/reset-traffic", map[string]any{"uuids": uuids}, c.Retry)
	if err != nil {
		return err
	}
	return classify("bulk_reset", status, body)
}

func (c *Client) BulkDelete(ctx context.Context, uuids []string) error {
	status, body, err := c.do(ctx, "bulk_delete", http.MethodPost, "/users/bulk/delete", map[string]any{"uuids": uuids}, c.Retry)
	if err != nil {
		return err
	}
	return classify("bulk_delete", status, body)
}

// AccessHistory returns raw access-log items; decoding is left to the caller.
func (c *Client) AccessHistory(ctx context.Context) ([]json.RawMessage, error) {
	path := c.HistoryPath
	if path == "" {
		path = "/subscription-request-history"
	}
	status, body, err := c.do(ctx, "access_history", http.MethodGet, path, nil, c.Retry)
	if err != nil {
		return nil, err
	}
	if err := classify("access_history", status, body); err != nil {
		return nil, err
	}
	payload := extractPayload(body)
	var items []json.RawMessage
	if err := json.Unmarshal(payload, &items); err == nil {
		return items, nil
	}
	var wrapped struct {
		Records []json.RawMessage `json:"records"`
		Items   []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(payload, &wrapped); err != nil {
		return nil, &Error{Kind: KindUpstream, Op: "access_history", Status: status, Err: err}
	}
	if len(wrapped.Records) > 0 {
		return wrapped.Records, nil
	}
	return wrapped.Items, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, payload any, policy httpx.RetryPolicy) (int, []byte, error) {
	if strings.TrimSpace(c.BaseURL) == "" {
		return 0, nil, &Error{Kind: KindNetwork, Op: op, Err: errors.New("panel base url is empty")}
	}
	var body []byte
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, &Error{Kind: KindBusiness, Op: op, Err: err}
		}
		body = raw
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	client := c.HTTP
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	start := time.Now()
	status, respBody, err := httpx.RequestJSON(callCtx, client, method, strings.TrimRight(c.BaseURL, "/")+path, body, c.headers(), policy)
	outcome := "ok"
	switch {
	case err != nil:
		outcome = string(KindNetwork)
	case status >= 400 && status != http.StatusNotFound:
		outcome = "status_" + http.StatusText(status)
	}
	metrics.ObservePanelCall(op, outcome, time.Since(start))
	if err != nil {
		return 0, nil, &Error{Kind: KindNetwork, Op: op, Err: err}
	}
	return status, respBody, nil
}

func (c *Client) headers() map[string]string {
	out := make(map[string]string, len(c.Headers)+1)
	for k, v := range c.Headers {
		out[k] = v
	}
	if c.Token != "" {
		out["Authorization"] = "Bearer " + c.Token
	}
	return out
}

func classify(op string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	snippet := string(body)
	if len(snippet) > 300 {
		snippet = snippet[:300]
	}
	kind := KindBusiness
	if status >= 500 || status == http.StatusTooManyRequests {
		kind = KindUpstream
	}
	return &Error{Kind: kind, Op: op, Status: status, Body: snippet}
}
