package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// HealthHandler 健康与就绪检查
type HealthHandler struct {
	db     *gorm.DB
	redis  *redis.Client
	logger *logrus.Logger
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(db *gorm.DB, redisClient *redis.Client, logger *logrus.Logger) *HealthHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &HealthHandler{db: db, redis: redisClient, logger: logger}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]ServiceInfo `json:"services"`
}

// ServiceInfo 依赖服务状态
type ServiceInfo struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Health 健康检查端点。依赖部分不可用时仍返回 200，状态标 degraded
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Services:  make(map[string]ServiceInfo),
	}
	healthy := true

	response.Services["postgres"] = h.checkPostgres(ctx, &healthy)
	response.Services["redis"] = h.checkRedis(ctx, &healthy)

	if !healthy {
		response.Status = "degraded"
	}
	c.JSON(http.StatusOK, response)
}

// Ready 就绪检查端点。任一核心依赖不可达返回 503
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	ready := true
	h.checkPostgres(ctx, &ready)
	h.checkRedis(ctx, &ready)

	if !ready {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

func (h *HealthHandler) checkPostgres(ctx context.Context, healthy *bool) ServiceInfo {
	start := time.Now()
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		*healthy = false
		h.logger.Warnf("postgres health check failed: %v", err)
		return ServiceInfo{Status: "unhealthy", Error: err.Error()}
	}
	return ServiceInfo{Status: "healthy", Latency: time.Since(start).String()}
}

func (h *HealthHandler) checkRedis(ctx context.Context, healthy *bool) ServiceInfo {
	if h.redis == nil {
		return ServiceInfo{Status: "disabled"}
	}
	start := time.Now()
	if err := h.redis.Ping(ctx).Err(); err != nil {
		*healthy = false
		h.logger.Warnf("redis health check failed: %v", err)
		return ServiceInfo{Status: "unhealthy", Error: err.Error()}
	}
	return ServiceInfo{Status: "healthy", Latency: time.Since(start).String()}
}
