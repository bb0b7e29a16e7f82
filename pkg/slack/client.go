package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"casebridge/internal/syncerr"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Client Slack Web API 客户端（bot token）
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *logrus.Logger
}

// Interface Slack 客户端接口
type Interface interface {
	CreateChannel(ctx context.Context, name string) (*Channel, error)
	SetTopic(ctx context.Context, channelID, topic string) error
	PostMessage(ctx context.Context, channelID, text string) error
	History(ctx context.Context, channelID string) ([]Message, error)
	UploadFile(ctx context.Context, channelID, filename string, data []byte) error
	Members(ctx context.Context, channelID string) ([]string, error)
	InviteUsers(ctx context.Context, channelID string, userIDs []string) error
	LookupUserByEmail(ctx context.Context, email string) (*User, error)
	UserInfo(ctx context.Context, userID string) (*User, error)
}

// Config 客户端配置
type Config struct {
	BaseURL  string
	BotToken string
	Timeout  time.Duration
}

// NewClient 创建 Slack 客户端
func NewClient(cfg Config, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://slack.com/api"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.BotToken,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

// CreateChannel 建频道。name_taken 时回查已有频道并复用，
// 保证按名字派生频道的操作幂等。
func (c *Client) CreateChannel(ctx context.Context, name string) (*Channel, error) {
	var resp channelResponse
	err := c.call(ctx, "conversations.create", map[string]interface{}{"name": name}, &resp)
	if err != nil {
		if strings.Contains(err.Error(), "name_taken") {
			return c.findChannel(ctx, name)
		}
		return nil, err
	}
	return &resp.Channel, nil
}

// SetTopic 设置频道主题
func (c *Client) SetTopic(ctx context.Context, channelID, topic string) error {
	var resp apiResponse
	return c.call(ctx, "conversations.setTopic",
		map[string]interface{}{"channel": channelID, "topic": topic}, &resp)
}

// PostMessage 发消息
func (c *Client) PostMessage(ctx context.Context, channelID, text string) error {
	var resp apiResponse
	return c.call(ctx, "chat.postMessage",
		map[string]interface{}{"channel": channelID, "text": text}, &resp)
}

// History 拉频道消息历史
func (c *Client) History(ctx context.Context, channelID string) ([]Message, error) {
	var resp historyResponse
	err := c.call(ctx, "conversations.history",
		map[string]interface{}{"channel": channelID, "limit": 200}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// UploadFile 上传文件到频道
func (c *Client) UploadFile(ctx context.Context, channelID, filename string, data []byte) error {
	op := "slack.UploadFile"

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return syncerr.E(syncerr.KindMalformed, op, err)
	}
	if _, err := part.Write(data); err != nil {
		return syncerr.E(syncerr.KindMalformed, op, err)
	}
	_ = w.WriteField("channels", channelID)
	_ = w.WriteField("filename", filename)
	if err := w.Close(); err != nil {
		return syncerr.E(syncerr.KindMalformed, op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files.upload", &buf)
	if err != nil {
		return syncerr.E(syncerr.KindMalformed, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", w.FormDataContentType())

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return syncerr.E(syncerr.KindTransient, op, err)
	}
	defer httpResp.Body.Close()
	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return syncerr.E(syncerr.KindTransient, op, err)
	}

	var resp apiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return syncerr.E(syncerr.KindMalformed, op, err)
	}
	if !resp.OK {
		return c.classify(op, resp.Error)
	}
	return nil
}

// Members 列出频道成员（user ID）
func (c *Client) Members(ctx context.Context, channelID string) ([]string, error) {
	var resp membersResponse
	err := c.call(ctx, "conversations.members",
		map[string]interface{}{"channel": channelID, "limit": 200}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Members, nil
}

// InviteUsers 邀请用户进频道
func (c *Client) InviteUsers(ctx context.Context, channelID string, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	var resp apiResponse
	return c.call(ctx, "conversations.invite",
		map[string]interface{}{"channel": channelID, "users": strings.Join(userIDs, ",")}, &resp)
}

// LookupUserByEmail 按邮箱查用户
func (c *Client) LookupUserByEmail(ctx context.Context, email string) (*User, error) {
	op := "slack.LookupUserByEmail"
	endpoint := c.baseURL + "/users.lookupByEmail?email=" + url.QueryEscape(email)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, syncerr.E(syncerr.KindMalformed, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	var resp userResponse
	if err := c.send(op, req, &resp); err != nil {
		return nil, err
	}
	return &resp.User, nil
}

// UserInfo 取用户信息
func (c *Client) UserInfo(ctx context.Context, userID string) (*User, error) {
	var resp userResponse
	err := c.call(ctx, "users.info", map[string]interface{}{"user": userID}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp.User, nil
}

// findChannel 按名字反查频道（CreateChannel 的幂等兜底）
func (c *Client) findChannel(ctx context.Context, name string) (*Channel, error) {
	op := "slack.findChannel"
	endpoint := c.baseURL + "/conversations.list?limit=1000&types=public_channel,private_channel"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, syncerr.E(syncerr.KindMalformed, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	var resp struct {
		apiResponse
		Channels []Channel `json:"channels"`
	}
	if err := c.send(op, req, &resp); err != nil {
		return nil, err
	}
	for i := range resp.Channels {
		if resp.Channels[i].Name == name {
			return &resp.Channels[i], nil
		}
	}
	return nil, syncerr.Ef(syncerr.KindNotFound, op, "channel %q not found", name)
}

// call POST 一个 Web API 方法
func (c *Client) call(ctx context.Context, method string, args map[string]interface{}, result interface{}) error {
	op := "slack." + method

	raw, err := json.Marshal(args)
	if err != nil {
		return syncerr.E(syncerr.KindMalformed, op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(raw))
	if err != nil {
		return syncerr.E(syncerr.KindMalformed, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	return c.send(op, req, result)
}

func (c *Client) send(op string, req *http.Request, result interface{}) error {
	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return syncerr.E(syncerr.KindTransient, op, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return syncerr.E(syncerr.KindTransient, op, err)
	}
	c.logger.Debugf("slack API %s -> %d", op, httpResp.StatusCode)

	if httpResp.StatusCode >= 500 || httpResp.StatusCode == http.StatusTooManyRequests {
		return syncerr.Ef(syncerr.KindTransient, op, "status %d", httpResp.StatusCode)
	}

	// Slack 的业务错误是 200 + ok=false
	var probe apiResponse
	if err := json.Unmarshal(raw, &probe); err != nil {
		return syncerr.E(syncerr.KindMalformed, op, err)
	}
	if !probe.OK {
		return c.classify(op, probe.Error)
	}
	if result != nil {
		if err := json.Unmarshal(raw, result); err != nil {
			return syncerr.E(syncerr.KindMalformed, op, err)
		}
	}
	return nil
}

func (c *Client) classify(op, apiError string) error {
	switch {
	case apiError == "ratelimited" || apiError == "internal_error" || apiError == "service_unavailable":
		return syncerr.Ef(syncerr.KindTransient, op, "slack error: %s", apiError)
	case strings.HasSuffix(apiError, "_not_found"):
		return syncerr.Ef(syncerr.KindNotFound, op, "slack error: %s", apiError)
	case apiError == "invalid_auth" || apiError == "not_authed" || apiError == "token_revoked" || apiError == "missing_scope":
		return syncerr.Ef(syncerr.KindConfig, op, "slack error: %s", apiError)
	default:
		return syncerr.Ef(syncerr.KindRejected, op, "slack error: %s", apiError)
	}
}
