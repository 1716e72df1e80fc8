package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"JornadaAgent/internal/events"
	"JornadaAgent/internal/session"
)

// 采集端API路径
const (
	sessionsPath = "/api/v1/sessions"
	maxErrorBody = 4 << 10
)

// StatusError 采集端返回非2xx状态码
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.Path, e.Code, e.Body)
	}
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.Path, e.Code)
}

// Temporary 5xx和429可重试，其余4xx不可重试
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// NotFound 会话不存在，调用方应重新注册
func (e *StatusError) NotFound() bool {
	return e.Code == http.StatusNotFound
}

// ClientOption 客户端选项
type ClientOption func(*Client)

// WithHTTPClient 使用自定义HTTP客户端
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http = hc
	}
}

// WithTimeout 单个请求超时
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithAdminURL 管理地址，查询、删除和实时订阅走这里；默认与上报地址相同
func WithAdminURL(adminURL string) ClientOption {
	return func(c *Client) {
		c.adminURL = strings.TrimRight(adminURL, "/")
	}
}

// WithUserAgent 设置User-Agent
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// Client 采集端API客户端
type Client struct {
	baseURL   string
	adminURL  string
	http      *http.Client
	timeout   time.Duration
	userAgent string
}

// NewClient 创建采集端客户端
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      &http.Client{},
		timeout:   10 * time.Second,
		userAgent: "JornadaAgent/1.0",
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.adminURL == "" {
		c.adminURL = c.baseURL
	}
	return c
}

// BaseURL 采集端上报地址
func (c *Client) BaseURL() string {
	return c.baseURL
}

// AdminURL 采集端管理地址
func (c *Client) AdminURL() string {
	return c.adminURL
}

// CreateSession 创建或确认会话，返回服务端分配ID后的描述
func (c *Client) CreateSession(ctx context.Context, d session.Descriptor) (session.Descriptor, error) {
	var created session.Descriptor
	if err := c.do(ctx, c.baseURL, http.MethodPost, sessionsPath, d, &created); err != nil {
		return session.Descriptor{}, err
	}
	if created.ID == "" {
		return session.Descriptor{}, errors.New("create session: response carries no id")
	}
	return created, nil
}

// AppendEvents 按顺序上传一批事件，响应内容被忽略
func (c *Client) AppendEvents(ctx context.Context, sessionID string, batch []events.Record) error {
	if sessionID == "" {
		return errors.New("append events: empty session id")
	}
	return c.do(ctx, c.baseURL, http.MethodPut, eventsPath(sessionID), batch, nil)
}

// GetSession 读取已存储的会话
func (c *Client) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var s Session
	err := c.do(ctx, c.adminURL, http.MethodGet, sessionsPath+"/"+url.PathEscape(sessionID), nil, &s)
	return s, err
}

// GetEvents 读取会话的全部事件，按写入顺序
func (c *Client) GetEvents(ctx context.Context, sessionID string) ([]events.Record, error) {
	var records []events.Record
	if err := c.do(ctx, c.adminURL, http.MethodGet, eventsPath(sessionID), nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// DeleteSession 删除会话及其事件
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, c.adminURL, http.MethodDelete, sessionsPath+"/"+url.PathEscape(sessionID), nil, nil)
}

// ListSessions 列出会话，q 为检索表达式，例如 `meta.plan = 'pro'`，空串不过滤
func (c *Client) ListSessions(ctx context.Context, q string) ([]Session, error) {
	path := sessionsPath
	if q != "" {
		path += "?" + url.Values{"q": {q}}.Encode()
	}
	var sessions []Session
	if err := c.do(ctx, c.adminURL, http.MethodGet, path, nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// LiveURL 会话实时事件流的WebSocket地址
func (c *Client) LiveURL(sessionID string) string {
	u := c.adminURL + sessionsPath + "/" + url.PathEscape(sessionID) + "/live"
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	default:
		return u
	}
}

func eventsPath(sessionID string) string {
	return sessionsPath + "/" + url.PathEscape(sessionID) + "/events"
}

// do 发送JSON请求并解码响应；out为nil时丢弃响应体
func (c *Client) do(ctx context.Context, base, method, path string, in, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s %s: encode body: %w", method, path, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			Method: method,
			Path:   path,
			Code:   resp.StatusCode,
			Body:   strings.TrimSpace(string(msg)),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}
