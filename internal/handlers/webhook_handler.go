package handlers

import (
	"net/http"
	"time"

	"casebridge/internal/bus"
	"casebridge/internal/mapper"
	"casebridge/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// WebhookHandler 外部系统 webhook 入口。职责只有归一化：
// 把各系统的载荷翻译成统一事件发到总线，业务调和在消费侧完成。
// 翻译不动正文内容，回环标记原样保留。
type WebhookHandler struct {
	bus    bus.Bus
	logger *logrus.Logger
}

// NewWebhookHandler 创建 webhook 处理器
func NewWebhookHandler(eventBus bus.Bus, logger *logrus.Logger) *WebhookHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &WebhookHandler{bus: eventBus, logger: logger}
}

// RegisterWebhookRoutes 注册 webhook 路由
func RegisterWebhookRoutes(rg *gin.RouterGroup, h *WebhookHandler) {
	rg.POST("/webhooks/jira", h.Jira)
	rg.POST("/webhooks/servicenow", h.ServiceNow)
	rg.POST("/webhooks/slack", h.Slack)
}

// jiraWebhookPayload Jira webhook 载荷（automation rule 外发）
type jiraWebhookPayload struct {
	WebhookEvent string `json:"webhookEvent"`
	Issue        struct {
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
		} `json:"fields"`
	} `json:"issue"`
	Comment *struct {
		Body   string `json:"body"`
		Author struct {
			DisplayName string `json:"displayName"`
		} `json:"author"`
	} `json:"comment"`
}

// Jira 处理 Jira webhook
func (h *WebhookHandler) Jira(c *gin.Context) {
	var payload jiraWebhookPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid payload", Message: err.Error()})
		return
	}
	if payload.Issue.Key == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid payload", Message: "missing issue key"})
		return
	}

	ext := &models.ExternalRecord{
		System:      models.SystemJira,
		ExternalID:  payload.Issue.Key,
		Title:       payload.Issue.Fields.Summary,
		Description: payload.Issue.Fields.Description,
		Status:      payload.Issue.Fields.Status.Name,
	}
	if payload.Issue.Fields.Resolution != nil {
		ext.ClosureCode = payload.Issue.Fields.Resolution.Name
	}

	evType := models.EventUpdated
	switch payload.WebhookEvent {
	case "jira:issue_created":
		evType = models.EventCreated
	case "comment_created":
		evType = models.EventCommentAdded
	}
	if payload.Comment != nil {
		ext.Comments = append(ext.Comments, models.Comment{
			Body:         payload.Comment.Body,
			Author:       payload.Comment.Author.DisplayName,
			SourceSystem: models.SystemJira,
		})
	}

	h.publish(c, models.SystemJira, payload.Issue.Key, evType, ext)
}

// servicenowWebhookPayload ServiceNow business rule 外发载荷
type servicenowWebhookPayload struct {
	Action           string `json:"action"`
	SysID            string `json:"sys_id"`
	Number           string `json:"number"`
	State            string `json:"state"`
	ShortDescription string `json:"short_description"`
	Description      string `json:"description"`
	CloseCode        string `json:"close_code"`
	WorkNote         string `json:"work_note"`
	WorkNoteBy       string `json:"work_note_by"`
}

// ServiceNow 处理 ServiceNow webhook
func (h *WebhookHandler) ServiceNow(c *gin.Context) {
	var payload servicenowWebhookPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid payload", Message: err.Error()})
		return
	}
	if payload.SysID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid payload", Message: "missing sys_id"})
		return
	}

	ext := &models.ExternalRecord{
		System:      models.SystemServiceNow,
		ExternalID:  payload.SysID,
		Title:       payload.ShortDescription,
		Description: payload.Description,
		Status:      payload.State,
		ClosureCode: payload.CloseCode,
	}

	evType := models.EventUpdated
	switch payload.Action {
	case "inserted":
		evType = models.EventCreated
	case "work_note":
		evType = models.EventCommentAdded
	}
	if payload.WorkNote != "" {
		ext.Comments = append(ext.Comments, models.Comment{
			Body:         payload.WorkNote,
			Author:       payload.WorkNoteBy,
			SourceSystem: models.SystemServiceNow,
		})
	}

	h.publish(c, models.SystemServiceNow, payload.SysID, evType, ext)
}

// slackEventPayload Slack Events API 载荷
type slackEventPayload struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Event     struct {
		Type    string `json:"type"`
		Subtype string `json:"subtype"`
		Channel string `json:"channel"`
		Text    string `json:"text"`
		User    string `json:"user"`
		BotID   string `json:"bot_id"`
	} `json:"event"`
}

// Slack 处理 Slack Events API 回调。机器人自己的消息直接丢弃，
// 这是 Slack 侧的回环防护（镜像消息由本服务的 bot 发出）。
func (h *WebhookHandler) Slack(c *gin.Context) {
	var payload slackEventPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid payload", Message: err.Error()})
		return
	}

	// 订阅握手
	if payload.Type == "url_verification" {
		c.JSON(http.StatusOK, gin.H{"challenge": payload.Challenge})
		return
	}

	ev := payload.Event
	if ev.Type != "message" || ev.Subtype != "" || ev.BotID != "" || ev.Text == "" {
		c.JSON(http.StatusOK, SuccessResponse{Message: "ignored"})
		return
	}

	ext := &models.ExternalRecord{
		System:     models.SystemSlack,
		ExternalID: ev.Channel,
		Comments: []models.Comment{{
			Body:         mapper.SlackMessageToComment(ev.Text, ev.User),
			SourceSystem: models.SystemSlack,
		}},
	}
	h.publish(c, models.SystemSlack, ev.Channel, models.EventCommentAdded, ext)
}

func (h *WebhookHandler) publish(c *gin.Context, system, externalID, evType string, ext *models.ExternalRecord) {
	ev := &models.SyncEvent{
		ID:           uuid.New().String(),
		Type:         evType,
		SourceSystem: system,
		OccurredAt:   time.Now(),
		External:     ext,
	}
	if err := h.bus.Publish(c.Request.Context(), ev); err != nil {
		h.logger.Errorf("failed to publish %s webhook event for %s: %v", system, externalID, err)
		respondError(c, err)
		return
	}
	h.logger.Infof("accepted %s webhook for %s (%s)", system, externalID, evType)
	c.JSON(http.StatusAccepted, SuccessResponse{Message: "accepted", Data: gin.H{"event_id": ev.ID}})
}
