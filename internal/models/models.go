package models

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// 同步引擎支持的系统标识
const (
	SystemCaseManagement = "case-management"
	SystemJira           = "jira"
	SystemServiceNow     = "servicenow"
	SystemSlack          = "slack"
)

// 事件类型
const (
	EventCreated         = "Created"
	EventUpdated         = "Updated"
	EventCommentAdded    = "CommentAdded"
	EventAttachmentAdded = "AttachmentAdded"
	EventWatchersUpdated = "WatchersUpdated"
)

// 案例状态词汇表（源系统）
const (
	StatusSubmitted    = "Submitted"
	StatusAcknowledged = "Acknowledged"
	StatusDetection    = "Detection and Analysis"
	StatusContainment  = "Containment, Eradication and Recovery"
	StatusPostIncident = "Post-incident Activities"
	StatusReadyToClose = "Ready to Close"
	StatusClosed       = "Closed"
)

// Watcher 案例关注人
type Watcher struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name,omitempty"`
}

// Comment 案例评论
type Comment struct {
	Body         string    `json:"body"`
	Author       string    `json:"author,omitempty"`
	SourceSystem string    `json:"source_system,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Attachment 案例附件。附件以文件名判等（详见 reconcile 包），
// ContentRef 为懒加载的下载句柄，仅在实际镜像附件内容时解析。
type Attachment struct {
	ID         string `json:"id"`
	Filename   string `json:"filename"`
	SizeBytes  int64  `json:"size_bytes,omitempty"`
	MimeType   string `json:"mime_type,omitempty"`
	ContentRef string `json:"content_ref,omitempty"`
}

// Incident 规范化的案例记录，源系统拥有唯一所有权
type Incident struct {
	ID                string       `json:"id"`
	Title             string       `json:"title"`
	Description       string       `json:"description"`
	Status            string       `json:"status"`
	Severity          string       `json:"severity,omitempty"`
	ClosureCode       string       `json:"closure_code,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
	ImpactedResources []string     `json:"impacted_resources,omitempty"`
	Watchers          []Watcher    `json:"watchers,omitempty"`
	Comments          []Comment    `json:"comments,omitempty"`
	Attachments       []Attachment `json:"attachments,omitempty"`
}

// Terminal 案例是否处于终态
func (i *Incident) Terminal() bool {
	return i.Status == StatusClosed
}

// ExternalRecord 外部系统中的记录快照，入站 webhook 归一化后的载荷
type ExternalRecord struct {
	System      string       `json:"system"`
	ExternalID  string       `json:"external_id"`
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Status      string       `json:"status,omitempty"`
	ClosureCode string       `json:"closure_code,omitempty"`
	Comments    []Comment    `json:"comments,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Watchers    []Watcher    `json:"watchers,omitempty"`
}

// SyncEvent 事件总线上的传播单元，发布后不可变
type SyncEvent struct {
	ID           string          `json:"id"`
	IncidentID   string          `json:"incident_id"`
	Type         string          `json:"type"`
	SourceSystem string          `json:"source_system"`
	OccurredAt   time.Time       `json:"occurred_at"`
	Incident     *Incident       `json:"incident,omitempty"`
	External     *ExternalRecord `json:"external,omitempty"`
}

// Encode 序列化事件，供总线传输
func (e *SyncEvent) Encode() (string, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// DecodeSyncEvent 反序列化总线载荷
func DecodeSyncEvent(raw string) (*SyncEvent, error) {
	var ev SyncEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// IncidentSnapshot 案例快照行，每个案例一行，保存上次轮询看到的完整状态
type IncidentSnapshot struct {
	IncidentID string         `gorm:"primaryKey" json:"incident_id"`
	Snapshot   string         `gorm:"type:text" json:"snapshot"` // Incident 的 JSON 序列化
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"-"`
}

// Decode 还原快照中的案例
func (s *IncidentSnapshot) Decode() (*Incident, error) {
	var inc Incident
	if err := json.Unmarshal([]byte(s.Snapshot), &inc); err != nil {
		return nil, err
	}
	return &inc, nil
}

// ExternalMapping 案例与外部记录的映射，每 (案例, 系统) 至多一行。
// (system, external_id) 上的唯一索引同时支撑入站方向的 O(1) 反查。
type ExternalMapping struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	IncidentID   string    `gorm:"uniqueIndex:idx_mapping_incident_system;index" json:"incident_id"`
	System       string    `gorm:"uniqueIndex:idx_mapping_incident_system;uniqueIndex:idx_mapping_system_external" json:"system"`
	ExternalID   string    `gorm:"uniqueIndex:idx_mapping_system_external" json:"external_id"`
	LastSyncedAt time.Time `json:"last_synced_at"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DeadLetterEvent 死信事件，消费侧重试耗尽后落库，等待人工处理或重放
type DeadLetterEvent struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	EventID      string     `gorm:"index" json:"event_id"`
	IncidentID   string     `gorm:"index" json:"incident_id"`
	EventType    string     `json:"event_type"`
	SourceSystem string     `json:"source_system"`
	Consumer     string     `json:"consumer"`
	Payload      string     `gorm:"type:text" json:"payload"`
	Attempts     int        `json:"attempts"`
	LastError    string     `gorm:"type:text" json:"last_error"`
	ReplayedAt   *time.Time `json:"replayed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}
