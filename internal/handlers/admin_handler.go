package handlers

import (
	"net/http"
	"strconv"

	"casebridge/internal/bus"
	"casebridge/internal/models"
	"casebridge/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AdminHandler 运维管理接口：快照与映射的只读视图、死信列表与重放
type AdminHandler struct {
	snapshots   *store.SnapshotStore
	deadLetters *store.DeadLetterStore
	bus         bus.Bus
	logger      *logrus.Logger
}

// NewAdminHandler 创建管理接口处理器
func NewAdminHandler(snapshots *store.SnapshotStore, deadLetters *store.DeadLetterStore,
	eventBus bus.Bus, logger *logrus.Logger) *AdminHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &AdminHandler{
		snapshots:   snapshots,
		deadLetters: deadLetters,
		bus:         eventBus,
		logger:      logger,
	}
}

// RegisterAdminRoutes 注册管理路由
func RegisterAdminRoutes(rg *gin.RouterGroup, h *AdminHandler) {
	rg.GET("/incidents", h.ListIncidents)
	rg.GET("/incidents/:id", h.GetIncident)
	rg.GET("/incidents/:id/mappings", h.GetMappings)
	rg.GET("/deadletters", h.ListDeadLetters)
	rg.POST("/deadletters/:id/replay", h.ReplayDeadLetter)
}

// ListIncidents 分页列出已知案例快照
func (h *AdminHandler) ListIncidents(c *gin.Context) {
	page, pageSize := pagination(c)

	rows, total, err := h.snapshots.ListSnapshots(pageSize, (page-1)*pageSize)
	if err != nil {
		respondError(c, err)
		return
	}

	incidents := make([]*models.Incident, 0, len(rows))
	for i := range rows {
		inc, derr := rows[i].Decode()
		if derr != nil {
			h.logger.Errorf("corrupt snapshot for incident %s: %v", rows[i].IncidentID, derr)
			continue
		}
		incidents = append(incidents, inc)
	}
	c.JSON(http.StatusOK, PaginatedResponse{Data: incidents, Total: total, Page: page, PageSize: pageSize})
}

// GetIncident 单案例快照及映射
func (h *AdminHandler) GetIncident(c *gin.Context) {
	inc, mappings, err := h.snapshots.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Data: gin.H{"incident": inc, "mappings": mappings}})
}

// GetMappings 单案例的外部映射
func (h *AdminHandler) GetMappings(c *gin.Context) {
	mappings, err := h.snapshots.Mappings(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Data: mappings})
}

// ListDeadLetters 分页列出死信事件
func (h *AdminHandler) ListDeadLetters(c *gin.Context) {
	page, pageSize := pagination(c)

	rows, total, err := h.deadLetters.List(pageSize, (page-1)*pageSize)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, PaginatedResponse{Data: rows, Total: total, Page: page, PageSize: pageSize})
}

// ReplayDeadLetter 重放一条死信：原载荷重新入总线。
// 事件是“重新拉取并调和”的信号，重放晚到或重复都安全。
func (h *AdminHandler) ReplayDeadLetter(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid id", Message: err.Error()})
		return
	}

	dl, err := h.deadLetters.Get(uint(id))
	if err != nil {
		respondError(c, err)
		return
	}

	ev, err := models.DecodeSyncEvent(dl.Payload)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: "corrupt payload", Message: err.Error()})
		return
	}

	if err := h.bus.Publish(c.Request.Context(), ev); err != nil {
		respondError(c, err)
		return
	}
	if err := h.deadLetters.MarkReplayed(uint(id)); err != nil {
		respondError(c, err)
		return
	}
	h.logger.Infof("replayed dead letter %d (event %s)", id, ev.ID)
	c.JSON(http.StatusOK, SuccessResponse{Message: "replayed", Data: gin.H{"event_id": ev.ID}})
}

func pagination(c *gin.Context) (page, pageSize int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ = strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}
