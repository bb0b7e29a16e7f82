package caseapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"casebridge/internal/syncerr"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Client 案例管理服务 HTTP 客户端
type Client struct {
	baseURL    string
	apiKey     string
	pageSize   int
	httpClient *http.Client
	logger     *logrus.Logger
}

// Interface 源系统客户端接口，消费侧按接口注入以便测试替身
type Interface interface {
	ListCases(ctx context.Context, pageToken string) (*ListCasesResponse, error)
	GetCase(ctx context.Context, caseID string) (*CaseDetail, error)
	CreateCase(ctx context.Context, req *CreateCaseRequest) (string, error)
	UpdateCase(ctx context.Context, caseID string, req *UpdateCaseRequest) error
	AddComment(ctx context.Context, caseID, body string) error
	AttachmentDownloadURL(ctx context.Context, caseID, attachmentID string) (string, error)
	AttachmentUploadURL(ctx context.Context, caseID, filename string, size int64) (string, error)
	DownloadAttachment(ctx context.Context, presignedURL string) ([]byte, error)
	UploadAttachment(ctx context.Context, presignedURL string, data []byte) error
}

// Config 客户端配置
type Config struct {
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
	PageSize int
}

// NewClient 创建案例管理服务客户端
func NewClient(cfg Config, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 25
	}
	return &Client{
		baseURL:  cfg.BaseURL,
		apiKey:   cfg.APIKey,
		pageSize: cfg.PageSize,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

// ListCases 拉取一页案例，pageToken 为空表示第一页
func (c *Client) ListCases(ctx context.Context, pageToken string) (*ListCasesResponse, error) {
	endpoint := fmt.Sprintf("/v1/cases?maxResults=%d", c.pageSize)
	if pageToken != "" {
		endpoint += "&nextToken=" + url.QueryEscape(pageToken)
	}
	var resp ListCasesResponse
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetCase 拉取案例详情（含评论与附件元数据）
func (c *Client) GetCase(ctx context.Context, caseID string) (*CaseDetail, error) {
	var resp CaseDetail
	if err := c.do(ctx, http.MethodGet, "/v1/cases/"+url.PathEscape(caseID), nil, &resp); err != nil {
		return nil, err
	}
	if resp.CaseID == "" {
		resp.CaseID = caseID
	}
	return &resp, nil
}

// CreateCase 创建案例，返回新案例 ID
func (c *Client) CreateCase(ctx context.Context, req *CreateCaseRequest) (string, error) {
	var resp CreateCaseResponse
	if err := c.do(ctx, http.MethodPost, "/v1/cases", req, &resp); err != nil {
		return "", err
	}
	if resp.CaseID == "" {
		return "", syncerr.Ef(syncerr.KindMalformed, "caseapi.CreateCase", "empty caseId in response")
	}
	return resp.CaseID, nil
}

// UpdateCase 更新案例字段/状态
func (c *Client) UpdateCase(ctx context.Context, caseID string, req *UpdateCaseRequest) error {
	return c.do(ctx, http.MethodPatch, "/v1/cases/"+url.PathEscape(caseID), req, nil)
}

// AddComment 给案例追加评论
func (c *Client) AddComment(ctx context.Context, caseID, body string) error {
	return c.do(ctx, http.MethodPost, "/v1/cases/"+url.PathEscape(caseID)+"/comments",
		&AddCommentRequest{Body: body}, nil)
}

// AttachmentDownloadURL 取附件下载预签名地址
func (c *Client) AttachmentDownloadURL(ctx context.Context, caseID, attachmentID string) (string, error) {
	endpoint := fmt.Sprintf("/v1/cases/%s/attachments/%s/download-url",
		url.PathEscape(caseID), url.PathEscape(attachmentID))
	var resp AttachmentURLResponse
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return "", err
	}
	return resp.URL, nil
}

// AttachmentUploadURL 取附件上传预签名地址
func (c *Client) AttachmentUploadURL(ctx context.Context, caseID, filename string, size int64) (string, error) {
	endpoint := fmt.Sprintf("/v1/cases/%s/attachments/upload-url?fileName=%s&sizeBytes=%d",
		url.PathEscape(caseID), url.QueryEscape(filename), size)
	var resp AttachmentURLResponse
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return "", err
	}
	return resp.URL, nil
}

// DownloadAttachment 经预签名地址拉附件内容
func (c *Client) DownloadAttachment(ctx context.Context, presignedURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, presignedURL, nil)
	if err != nil {
		return nil, syncerr.E(syncerr.KindMalformed, "caseapi.DownloadAttachment", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, syncerr.E(syncerr.KindTransient, "caseapi.DownloadAttachment", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, classify("caseapi.DownloadAttachment", resp.StatusCode, nil)
	}
	return io.ReadAll(resp.Body)
}

// UploadAttachment 经预签名地址上传附件内容
func (c *Client) UploadAttachment(ctx context.Context, presignedURL string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, presignedURL, bytes.NewReader(data))
	if err != nil {
		return syncerr.E(syncerr.KindMalformed, "caseapi.UploadAttachment", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return syncerr.E(syncerr.KindTransient, "caseapi.UploadAttachment", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return classify("caseapi.UploadAttachment", resp.StatusCode, nil)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, result interface{}) error {
	op := "caseapi " + method + " " + endpoint

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
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return syncerr.E(syncerr.KindTransient, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return syncerr.E(syncerr.KindTransient, op, err)
	}
	c.logger.Debugf("case API %s %s -> %d", method, endpoint, resp.StatusCode)

	if resp.StatusCode >= 400 {
		return classify(op, resp.StatusCode, raw)
	}
	if result != nil {
		if err := json.Unmarshal(raw, result); err != nil {
			return syncerr.E(syncerr.KindMalformed, op, err)
		}
	}
	return nil
}

// classify HTTP 状态码映射到错误分类
func classify(op string, status int, body []byte) error {
	msg := fmt.Sprintf("status %d", status)
	if len(body) > 0 {
		var er ErrorResponse
		if json.Unmarshal(body, &er) == nil && er.Error != "" {
			msg = fmt.Sprintf("status %d: %s", status, er.Error)
		}
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
