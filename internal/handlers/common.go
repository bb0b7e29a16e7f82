package handlers

import (
	"net/http"

	"casebridge/internal/syncerr"

	"github.com/gin-gonic/gin"
)

// ErrorResponse 错误响应结构
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// PaginatedResponse 分页响应结构
type PaginatedResponse struct {
	Data     interface{} `json:"data"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
}

// SuccessResponse 成功响应结构
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// respondError 按错误分类给出 HTTP 状态码
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch syncerr.KindOf(err) {
	case syncerr.KindNotFound:
		status = http.StatusNotFound
	case syncerr.KindMalformed, syncerr.KindRejected:
		status = http.StatusBadRequest
	case syncerr.KindConfig:
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, ErrorResponse{Error: http.StatusText(status), Message: err.Error(), Code: status})
}
