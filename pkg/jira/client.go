package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
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

// Client Jira REST API 客户端（basic auth：邮箱 + API token）
type Client struct {
	baseURL    string
	email      string
	apiToken   string
	httpClient *http.Client
	logger     *logrus.Logger
}

// Interface Jira 客户端接口
type Interface interface {
	CreateIssue(ctx context.Context, req *CreateIssueRequest) (*Issue, error)
	UpdateIssue(ctx context.Context, key string, fields map[string]string) error
	GetIssue(ctx context.Context, key string) (*Issue, error)
	TransitionIssue(ctx context.Context, key, targetStatus string) error
	AddComment(ctx context.Context, key, body string) error
	AddAttachment(ctx context.Context, key, filename string, data []byte) error
	DownloadAttachment(ctx context.Context, attachmentID string) ([]byte, error)
	AddWatcher(ctx context.Context, key, email string) error
	Watchers(ctx context.Context, key string) ([]string, error)
}

// Config 客户端配置
type Config struct {
	BaseURL  string
	Email    string
	APIToken string
	Timeout  time.Duration
}

// NewClient 创建 Jira 客户端
func NewClient(cfg Config, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		email:    cfg.Email,
		apiToken: cfg.APIToken,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

// CreateIssue 创建工单
func (c *Client) CreateIssue(ctx context.Context, req *CreateIssueRequest) (*Issue, error) {
	fields := map[string]interface{}{
		"project":     map[string]string{"key": req.ProjectKey},
		"issuetype":   map[string]string{"name": req.IssueType},
		"summary":     req.Summary,
		"description": req.Description,
	}
	for k, v := range req.Fields {
		fields[k] = v
	}

	var resp createIssueResponse
	err := c.do(ctx, http.MethodPost, "/rest/api/2/issue", issuePayload{Fields: fields}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Key == "" {
		return nil, syncerr.Ef(syncerr.KindMalformed, "jira.CreateIssue", "empty issue key in response")
	}
	return c.GetIssue(ctx, resp.Key)
}

// UpdateIssue 更新工单字段
func (c *Client) UpdateIssue(ctx context.Context, key string, fields map[string]string) error {
	payload := issuePayload{Fields: make(map[string]interface{}, len(fields))}
	for k, v := range fields {
		payload.Fields[k] = v
	}
	return c.do(ctx, http.MethodPut, "/rest/api/2/issue/"+url.PathEscape(key), payload, nil)
}

// GetIssue 取工单详情（含评论与附件）
func (c *Client) GetIssue(ctx context.Context, key string) (*Issue, error) {
	var resp issueResponse
	endpoint := "/rest/api/2/issue/" + url.PathEscape(key) + "?fields=summary,description,status,resolution,comment,attachment"
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return resp.flatten(), nil
}

// TransitionIssue 把工单推进到目标状态。先查可用迁移，按目标状态名匹配；
// 匹配不到视为外部系统拒绝（工作流不允许该迁移）。
func (c *Client) TransitionIssue(ctx context.Context, key, targetStatus string) error {
	endpoint := "/rest/api/2/issue/" + url.PathEscape(key) + "/transitions"

	var available transitionsResponse
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &available); err != nil {
		return err
	}

	transitionID := ""
	for _, t := range available.Transitions {
		if strings.EqualFold(t.To.Name, targetStatus) {
			transitionID = t.ID
			break
		}
	}
	if transitionID == "" {
		return syncerr.Ef(syncerr.KindRejected, "jira.TransitionIssue",
			"no transition to status %q available for %s", targetStatus, key)
	}

	payload := map[string]interface{}{
		"transition": map[string]string{"id": transitionID},
	}
	return c.do(ctx, http.MethodPost, endpoint, payload, nil)
}

// AddComment 追加评论
func (c *Client) AddComment(ctx context.Context, key, body string) error {
	payload := map[string]string{"body": body}
	return c.do(ctx, http.MethodPost, "/rest/api/2/issue/"+url.PathEscape(key)+"/comment", payload, nil)
}

// AddAttachment 上传附件（multipart，需要 no-check 头）
func (c *Client) AddAttachment(ctx context.Context, key, filename string, data []byte) error {
	op := "jira.AddAttachment"

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return syncerr.E(syncerr.KindMalformed, op, err)
	}
	if _, err := part.Write(data); err != nil {
		return syncerr.E(syncerr.KindMalformed, op, err)
	}
	if err := w.Close(); err != nil {
		return syncerr.E(syncerr.KindMalformed, op, err)
	}

	endpoint := c.baseURL + "/rest/api/2/issue/" + url.PathEscape(key) + "/attachments"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return syncerr.E(syncerr.KindMalformed, op, err)
	}
	req.SetBasicAuth(c.email, c.apiToken)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("X-Atlassian-Token", "no-check")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return syncerr.E(syncerr.KindTransient, op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		return c.classify(op, resp.StatusCode, raw)
	}
	return nil
}

// DownloadAttachment 按附件 ID 拉内容
func (c *Client) DownloadAttachment(ctx context.Context, attachmentID string) ([]byte, error) {
	op := "jira.DownloadAttachment"
	endpoint := c.baseURL + "/rest/api/2/attachment/content/" + url.PathEscape(attachmentID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, syncerr.E(syncerr.KindMalformed, op, err)
	}
	req.SetBasicAuth(c.email, c.apiToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, syncerr.E(syncerr.KindTransient, op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		return nil, c.classify(op, resp.StatusCode, raw)
	}
	return io.ReadAll(resp.Body)
}

// AddWatcher 按邮箱加关注人
func (c *Client) AddWatcher(ctx context.Context, key, email string) error {
	endpoint := "/rest/api/2/issue/" + url.PathEscape(key) + "/watchers"
	return c.do(ctx, http.MethodPost, endpoint, email, nil)
}

// Watchers 取关注人邮箱列表
func (c *Client) Watchers(ctx context.Context, key string) ([]string, error) {
	var resp watchersResponse
	endpoint := "/rest/api/2/issue/" + url.PathEscape(key) + "/watchers"
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	emails := make([]string, 0, len(resp.Watchers))
	for _, w := range resp.Watchers {
		if w.EmailAddress != "" {
			emails = append(emails, w.EmailAddress)
		}
	}
	return emails, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, result interface{}) error {
	op := "jira " + method + " " + endpoint

	var bodyReader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return syncerr.E(syncerr.KindMalformed, op, err)
		}
		bodyReader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, bodyReader)
	if err != nil {
		return syncerr.E(syncerr.KindMalformed, op, err)
	}
	req.SetBasicAuth(c.email, c.apiToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return syncerr.E(syncerr.KindTransient, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return syncerr.E(syncerr.KindTransient, op, err)
	}
	c.logger.Debugf("jira API %s %s -> %d", method, endpoint, resp.StatusCode)

	if resp.StatusCode >= 400 {
		return c.classify(op, resp.StatusCode, raw)
	}
	if result != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, result); err != nil {
			return syncerr.E(syncerr.KindMalformed, op, err)
		}
	}
	return nil
}

func (c *Client) classify(op string, status int, body []byte) error {
	msg := fmt.Sprintf("status %d", status)
	var er errorResponse
	if json.Unmarshal(body, &er) == nil && len(er.ErrorMessages) > 0 {
		msg = fmt.Sprintf("status %d: %s", status, strings.Join(er.ErrorMessages, "; "))
	}
	switch {
	case status == http.StatusNotFound:
		return syncerr.Ef(syncerr.KindNotFound, op, msg)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return syncerr.Ef(syncerr.KindConfig, op, msg)
	case status >= 500 || status == http.StatusTooManyRequests:
		return syncerr.Ef(syncerr.KindTransient, op, msg)
	default:
		return syncerr.Ef(syncerr.KindRejected, op, msg)
	}
}
