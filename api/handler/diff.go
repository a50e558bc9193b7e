package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cmlconsolepro/cmlconsolepro/internal/service"
)

// DiffRequest 配置差异请求
type DiffRequest struct {
	Before     string `json:"before"`
	After      string `json:"after"`
	BeforeName string `json:"before_name,omitempty"`
	AfterName  string `json:"after_name,omitempty"`
}

// DiffHandler 配置差异处理器
type DiffHandler struct{}

// NewDiffHandler 创建配置差异处理器
func NewDiffHandler() *DiffHandler {
	return &DiffHandler{}
}

// DiffConfigs 比对两份配置转录
// @Summary 生成两份配置的统一差异
// @Description 比对变更前后的 running-config，时间戳等易变行不参与比对
// @Tags config
// @Accept json
// @Produce json
// @Param request body DiffRequest true "差异请求"
// @Success 200 {object} service.ConfigDiff "差异结果"
// @Failure 400 {object} ErrorResponse "请求参数错误"
// @Router /api/v1/config/diff [post]
func (h *DiffHandler) DiffConfigs(c *gin.Context) {
	var request DiffRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "INVALID_PARAMS",
			Message: "请求参数无效: " + err.Error(),
		})
		return
	}
	if request.Before == "" && request.After == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "EMPTY_CONFIGS",
			Message: "before 与 after 不能同时为空",
		})
		return
	}

	diff, err := service.DiffConfigs(request.Before, request.After, request.BeforeName, request.AfterName)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Code:    "DIFF_FAILED",
			Message: "差异计算失败: " + err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, diff)
}
