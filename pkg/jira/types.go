package jira

// Jira REST API 边界 DTO，字段显式建模，边界处一次校验。

// IssueComment 工单评论
type IssueComment struct {
	ID      string `json:"id,omitempty"`
	Body    string `json:"body"`
	Author  string `json:"author,omitempty"`
	Created string `json:"created,omitempty"`
}

// IssueAttachment 工单附件
type IssueAttachment struct {
	ID       string `json:"id,omitempty"`
	Filename string `json:"filename"`
	Size     int64  `json:"size,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Issue 工单详情（已展平）
type Issue struct {
	ID          string            `json:"id"`
	Key         string            `json:"key"`
	Summary     string            `json:"summary"`
	Description string            `json:"description"`
	Status      string            `json:"status"`
	Resolution  string            `json:"resolution,omitempty"`
	Comments    []IssueComment    `json:"comments,omitempty"`
	Attachments []IssueAttachment `json:"attachments,omitempty"`
	Watchers    []string          `json:"watchers,omitempty"`
}

// CreateIssueRequest 创建工单请求
type CreateIssueRequest struct {
	ProjectKey  string
	IssueType   string
	Summary     string
	Description string
	Fields      map[string]string // 额外字段（如结案码自定义字段）
}

// 线格式：POST /rest/api/2/issue

type issuePayload struct {
	Fields map[string]interface{} `json:"fields"`
}

type createIssueResponse struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

type issueResponse struct {
	ID     string `json:"id"`
	Key    string `json:"key"`
	Fields struct {
		Summary     string `json:"summary"`
		Description string `json:"description"`
		Status      struct {
			Name string `json:"name"`
		} `json:"status"`
		Resolution *struct {
			Name string `json:"name"`
		} `json:"resolution"`
		Comment struct {
			Comments []struct {
				ID     string `json:"id"`
				Body   string `json:"body"`
				Author struct {
					DisplayName string `json:"displayName"`
				} `json:"author"`
				Created string `json:"created"`
			} `json:"comments"`
		} `json:"comment"`
		Attachment []struct {
			ID       string `json:"id"`
			Filename string `json:"filename"`
			Size     int64  `json:"size"`
			MimeType string `json:"mimeType"`
		} `json:"attachment"`
	} `json:"fields"`
}

type transitionsResponse struct {
	Transitions []struct {
		ID string `json:"id"`
		To struct {
			Name string `json:"name"`
		} `json:"to"`
	} `json:"transitions"`
}

type watchersResponse struct {
	Watchers []struct {
		EmailAddress string `json:"emailAddress"`
	} `json:"watchers"`
}

type errorResponse struct {
	ErrorMessages []string          `json:"errorMessages"`
	Errors        map[string]string `json:"errors"`
}

// flatten 线格式 → 展平 DTO
func (r *issueResponse) flatten() *Issue {
	issue := &Issue{
		ID:          r.ID,
		Key:         r.Key,
		Summary:     r.Fields.Summary,
		Description: r.Fields.Description,
		Status:      r.Fields.Status.Name,
	}
	if r.Fields.Resolution != nil {
		issue.Resolution = r.Fields.Resolution.Name
	}
	for _, c := range r.Fields.Comment.Comments {
		issue.Comments = append(issue.Comments, IssueComment{
			ID:      c.ID,
			Body:    c.Body,
			Author:  c.Author.DisplayName,
			Created: c.Created,
		})
	}
	for _, a := range r.Fields.Attachment {
		issue.Attachments = append(issue.Attachments, IssueAttachment{
			ID:       a.ID,
			Filename: a.Filename,
			Size:     a.Size,
			MimeType: a.MimeType,
		})
	}
	return issue
}
