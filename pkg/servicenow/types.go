package servicenow

// ServiceNow Table API 边界 DTO

// IncidentPayload 创建/更新 incident 的载荷
type IncidentPayload struct {
	ShortDescription string `json:"short_description,omitempty"`
	Description      string `json:"description,omitempty"`
	State            string `json:"state,omitempty"`
	Impact           string `json:"impact,omitempty"`
	Urgency          string `json:"urgency,omitempty"`
	CorrelationID    string `json:"correlation_id,omitempty"`
	CloseCode        string `json:"close_code,omitempty"`
	CloseNotes       string `json:"close_notes,omitempty"`
	WorkNotes        string `json:"work_notes,omitempty"`
	WatchList        string `json:"watch_list,omitempty"`
}

// Record 单条 incident 记录
type Record struct {
	SysID            string `json:"sys_id"`
	Number           string `json:"number"`
	State            string `json:"state"`
	ShortDescription string `json:"short_description"`
	Description      string `json:"description"`
	CloseCode        string `json:"close_code,omitempty"`
	CorrelationID    string `json:"correlation_id,omitempty"`
	WatchList        string `json:"watch_list,omitempty"`
}

// recordResponse Table API 单条响应
type recordResponse struct {
	Result Record `json:"result"`
}

// listResponse Table API 列表响应
type listResponse struct {
	Result []Record `json:"result"`
}

// JournalEntry 工作笔记/评论条目（sys_journal_field）
type JournalEntry struct {
	Element   string `json:"element"`
	Value     string `json:"value"`
	CreatedBy string `json:"sys_created_by"`
	CreatedOn string `json:"sys_created_on"`
}

type journalResponse struct {
	Result []JournalEntry `json:"result"`
}

// Attachment 附件元数据
type Attachment struct {
	SysID    string `json:"sys_id"`
	Filename string `json:"file_name"`
}

type attachmentListResponse struct {
	Result []Attachment `json:"result"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
	} `json:"error"`
}
