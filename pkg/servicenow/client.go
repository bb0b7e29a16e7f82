package servicenow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"casebridge/internal/syncerr"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Client ServiceNow Table API 客户端（basic auth）
type Client struct {
	instanceURL string
	username    string
	password    string
	table       string
	httpClient  *http.Client
	logger      *logrus.Logger
}

// Interface ServiceNow 客户端接口
type Interface interface {
	CreateIncident(ctx context.Context, payload *IncidentPayload) (*Record, error)
	UpdateIncident(ctx context.Context, sysID string, payload *IncidentPayload) error
	GetIncident(ctx context.Context, sysID string) (*Record, error)
	AddWorkNote(ctx context.Context, sysID, note string) error
	WorkNotes(ctx context.Context, sysID string) ([]JournalEntry, error)
	Attachments(ctx context.Context, sysID string) ([]Attachment, error)
	AddAttachment(ctx context.Context, sysID, filename, mimeType string, data []byte) error
	DownloadAttachment(ctx context.Context, attachmentSysID string) ([]byte, error)
}

// Config 客户端配置
type Config struct {
	InstanceURL string
	Username    string
	Password    string
	Table       string
	Timeout     time.Duration
}

// NewClient 创建 ServiceNow 客户端
func NewClient(cfg Config, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Table == "" {
		cfg.Table = "incident"
	}
	return &Client{
		instanceURL: strings.TrimRight(cfg.InstanceURL, "/"),
		username:    cfg.Username,
		password:    cfg.Password,
		table:       cfg.Table,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

// CreateIncident 创建 incident 记录
func (c *Client) CreateIncident(ctx context.Context, payload *IncidentPayload) (*Record, error) {
	var resp recordResponse
	err := c.do(ctx, http.MethodPost, "/api/now/table/"+c.table, payload, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Result.SysID == "" {
		return nil, syncerr.Ef(syncerr.KindMalformed, "servicenow.CreateIncident", "empty sys_id in response")
	}
	return &resp.Result, nil
}

// UpdateIncident 更新 incident 记录
func (c *Client) UpdateIncident(ctx context.Context, sysID string, payload *IncidentPayload) error {
	endpoint := fmt.Sprintf("/api/now/table/%s/%s", c.table, url.PathEscape(sysID))
	return c.do(ctx, http.MethodPatch, endpoint, payload, nil)
}

// GetIncident 取 incident 记录
func (c *Client) GetIncident(ctx context.Context, sysID string) (*Record, error) {
	endpoint := fmt.Sprintf("/api/now/table/%s/%s", c.table, url.PathEscape(sysID))
	var resp recordResponse
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Result, nil
}

// AddWorkNote 追加工作笔记（journal 字段只能经更新写入）
func (c *Client) AddWorkNote(ctx context.Context, sysID, note string) error {
	return c.UpdateIncident(ctx, sysID, &IncidentPayload{WorkNotes: note})
}

// WorkNotes 读工作笔记历史（sys_journal_field 表）
func (c *Client) WorkNotes(ctx context.Context, sysID string) ([]JournalEntry, error) {
	endpoint := "/api/now/table/sys_journal_field?sysparm_query=" +
		url.QueryEscape(fmt.Sprintf("element_id=%s^element=work_notes", sysID)) +
		"&sysparm_fields=element,value,sys_created_by,sys_created_on"
	var resp journalResponse
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// Attachments 列出记录的附件
func (c *Client) Attachments(ctx context.Context, sysID string) ([]Attachment, error) {
	endpoint := "/api/now/attachment?sysparm_query=" +
		url.QueryEscape(fmt.Sprintf("table_name=%s^table_sys_id=%s", c.table, sysID))
	var resp attachmentListResponse
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// AddAttachment 上传附件（attachment/file 接口，原始字节流）
func (c *Client) AddAttachment(ctx context.Context, sysID, filename, mimeType string, data []byte) error {
	op := "servicenow.AddAttachment"
	endpoint := fmt.Sprintf("%s/api/now/attachment/file?table_name=%s&table_sys_id=%s&file_name=%s",
		c.instanceURL, c.table, url.QueryEscape(sysID), url.QueryEscape(filename))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return syncerr.E(syncerr.KindMalformed, op, err)
	}
	req.SetBasicAuth(c.username, c.password)
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", mimeType)

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

// DownloadAttachment 按附件 sys_id 拉内容
func (c *Client) DownloadAttachment(ctx context.Context, attachmentSysID string) ([]byte, error) {
	op := "servicenow.DownloadAttachment"
	endpoint := c.instanceURL + "/api/now/attachment/" + url.PathEscape(attachmentSysID) + "/file"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, syncerr.E(syncerr.KindMalformed, op, err)
	}
	req.SetBasicAuth(c.username, c.password)

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

func (c *Client) do(ctx context.Context, method, endpoint string, body, result interface{}) error {
	op := "servicenow " + method + " " + endpoint

	var bodyReader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return syncerr.E(syncerr.KindMalformed, op, err)
		}
		bodyReader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.instanceURL+endpoint, bodyReader)
	if err != nil {
		return syncerr.E(syncerr.KindMalformed, op, err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return syncerr.E(syncerr.KindTransient, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return syncerr.E(syncerr.KindTransient, op, err)
	}
	c.logger.Debugf("servicenow API %s %s -> %d", method, endpoint, resp.StatusCode)

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
	if json.Unmarshal(body, &er) == nil && er.Error.Message != "" {
		msg = fmt.Sprintf("status %d: %s", status, er.Error.Message)
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
