package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cmlconsolepro/cmlconsolepro/internal/model"
	"github.com/cmlconsolepro/cmlconsolepro/internal/service"
	"github.com/cmlconsolepro/cmlconsolepro/pkg/logger"
)

// LabHandler 实验室拓扑处理器，代理 CML 控制器的只读查询
type LabHandler struct {
	consoleService *service.ConsoleService
}

// NewLabHandler 创建拓扑处理器
func NewLabHandler(consoleService *service.ConsoleService) *LabHandler {
	return &LabHandler{consoleService: consoleService}
}

// ListLabs 列出实验室
// @Summary 列出 CML 实验室
// @Tags lab
// @Produce json
// @Success 200 {object} SuccessResponse "实验室列表"
// @Failure 502 {object} ErrorResponse "控制器不可达"
// @Router /api/v1/labs [get]
func (h *LabHandler) ListLabs(c *gin.Context) {
	labs, err := h.consoleService.CML().GetLabs(c.Request.Context())
	if err != nil {
		logger.Errorf("Failed to list labs: %v", err)
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Code:    "CML_UNREACHABLE",
			Message: "CML控制器查询失败: " + err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{
		Code:    "SUCCESS",
		Message: "获取实验室列表成功",
		Data:    gin.H{"labs": labs, "total": len(labs)},
	})
}

// ListNodes 列出实验室节点
// @Summary 列出实验室节点
// @Tags lab
// @Produce json
// @Param lab_id path string true "实验室ID"
// @Success 200 {object} SuccessResponse "节点列表"
// @Failure 502 {object} ErrorResponse "控制器不可达"
// @Router /api/v1/labs/{lab_id}/nodes [get]
func (h *LabHandler) ListNodes(c *gin.Context) {
	labID := c.Param("lab_id")
	nodes, err := h.consoleService.CML().GetNodes(c.Request.Context(), labID)
	if err != nil {
		logger.Errorf("Failed to list nodes for lab %s: %v", labID, err)
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Code:    "CML_UNREACHABLE",
			Message: "节点查询失败: " + err.Error(),
		})
		return
	}

	// 同时给出每个节点定义对应的设备系列，前端据此提示可解析命令
	type nodeView struct {
		service.CMLNode
		Family model.DeviceFamily `json:"family"`
	}
	views := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		views = append(views, nodeView{CMLNode: n, Family: model.FamilyFor(n.Definition)})
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Code:    "SUCCESS",
		Message: "获取节点列表成功",
		Data:    gin.H{"nodes": views, "total": len(views)},
	})
}

// SyncLab 同步实验室节点缓存
// @Summary 同步实验室节点信息到本地缓存
// @Tags lab
// @Produce json
// @Param lab_id path string true "实验室ID"
// @Success 200 {object} SuccessResponse "同步结果"
// @Failure 502 {object} ErrorResponse "控制器不可达"
// @Router /api/v1/labs/{lab_id}/sync [post]
func (h *LabHandler) SyncLab(c *gin.Context) {
	labID := c.Param("lab_id")
	n, err := h.consoleService.SyncLab(c.Request.Context(), labID)
	if err != nil {
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Code:    "CML_UNREACHABLE",
			Message: "节点同步失败: " + err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{
		Code:    "SUCCESS",
		Message: "节点同步完成",
		Data:    gin.H{"lab": labID, "synced": n},
	})
}

// GetConsoleLog 读取节点控制台缓冲日志
// @Summary 读取节点启动以来的控制台输出
// @Tags lab
// @Produce json
// @Param lab_id path string true "实验室ID"
// @Param node_id path string true "节点ID"
// @Param lines query int false "返回行数，默认100"
// @Success 200 {object} SuccessResponse "控制台日志"
// @Failure 502 {object} ErrorResponse "控制器不可达"
// @Router /api/v1/labs/{lab_id}/nodes/{node_id}/console-log [get]
func (h *LabHandler) GetConsoleLog(c *gin.Context) {
	labID := c.Param("lab_id")
	nodeID := c.Param("node_id")
	lines, _ := strconv.Atoi(c.DefaultQuery("lines", "100"))

	log, err := h.consoleService.CML().GetNodeConsoleLogs(c.Request.Context(), labID, nodeID, lines)
	if err != nil {
		logger.Errorf("Failed to fetch console log for %s/%s: %v", labID, nodeID, err)
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Code:    "CML_UNREACHABLE",
			Message: "控制台日志查询失败: " + err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{
		Code:    "SUCCESS",
		Message: "获取控制台日志成功",
		Data:    gin.H{"lab": labID, "node": nodeID, "log": log},
	})
}
