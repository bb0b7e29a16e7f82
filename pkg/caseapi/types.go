package caseapi

import "time"

// 案例管理服务（源系统）的边界 DTO。
// 响应在边界处一次校验，字段显式命名，不做动态探测。

// CaseSummary 列表页中的案例摘要
type CaseSummary struct {
	CaseID    string    `json:"caseId"`
	Title     string    `json:"title"`
	Status    string    `json:"caseStatus"`
	Severity  string    `json:"severity,omitempty"`
	UpdatedAt time.Time `json:"lastUpdatedDate"`
}

// ListCasesResponse 分页列表响应
type ListCasesResponse struct {
	Items     []CaseSummary `json:"items"`
	NextToken string        `json:"nextToken,omitempty"`
}

// CaseComment 案例评论
type CaseComment struct {
	CommentID string    `json:"commentId,omitempty"`
	Body      string    `json:"body"`
	Author    string    `json:"createdBy,omitempty"`
	CreatedAt time.Time `json:"createdDate,omitempty"`
}

// CaseAttachment 案例附件元数据
type CaseAttachment struct {
	AttachmentID string `json:"attachmentId"`
	Filename     string `json:"fileName"`
	SizeBytes    int64  `json:"sizeBytes,omitempty"`
	MimeType     string `json:"mimeType,omitempty"`
}

// CaseWatcher 案例关注人
type CaseWatcher struct {
	Email       string `json:"email"`
	DisplayName string `json:"name,omitempty"`
}

// CaseDetail 案例详情，含评论与附件，是权威的当前快照
type CaseDetail struct {
	CaseID            string           `json:"caseId"`
	Title             string           `json:"title"`
	Description       string           `json:"description"`
	Status            string           `json:"caseStatus"`
	Severity          string           `json:"severity,omitempty"`
	ClosureCode       string           `json:"closureCode,omitempty"`
	CreatedAt         time.Time        `json:"createdDate"`
	UpdatedAt         time.Time        `json:"lastUpdatedDate"`
	ImpactedResources []string         `json:"impactedResources,omitempty"`
	Watchers          []CaseWatcher    `json:"watchers,omitempty"`
	Comments          []CaseComment    `json:"caseComments,omitempty"`
	Attachments       []CaseAttachment `json:"caseAttachments,omitempty"`
}

// CreateCaseRequest 创建案例请求（镜像外部新建的工单时使用）
type CreateCaseRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"caseStatus,omitempty"`
	Severity    string `json:"severity,omitempty"`
}

// CreateCaseResponse 创建案例响应
type CreateCaseResponse struct {
	CaseID string `json:"caseId"`
}

// UpdateCaseRequest 更新案例请求，零值字段不提交
type UpdateCaseRequest struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Status      string `json:"caseStatus,omitempty"`
	ClosureCode string `json:"closureCode,omitempty"`
}

// AddCommentRequest 追加评论请求
type AddCommentRequest struct {
	Body string `json:"body"`
}

// AttachmentURLResponse 附件上传/下载预签名地址
type AttachmentURLResponse struct {
	URL string `json:"attachmentPresignedUrl"`
}

// ErrorResponse 源系统错误响应
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code,omitempty"`
}
