package router

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cmlconsolepro/cmlconsolepro/api/handler"
	"github.com/cmlconsolepro/cmlconsolepro/internal/service"
	"github.com/cmlconsolepro/cmlconsolepro/pkg/logger"
)

// SetupRouter 设置路由
func SetupRouter(consoleService *service.ConsoleService) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(CORSMiddleware())
	r.Use(RequestIDMiddleware())
	r.Use(LoggingMiddleware())

	consoleHandler := handler.NewConsoleHandler(consoleService)
	labHandler := handler.NewLabHandler(consoleService)
	diffHandler := handler.NewDiffHandler()

	// 根路径
	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"name":    "CML Console Pro",
			"version": "1.0.0",
			"status":  "running",
		})
	})

	// API v1 路由组
	v1 := r.Group("/api/v1")
	{
		v1.GET("/health", consoleHandler.Health)

		// 控制台任务路由
		console := v1.Group("/console")
		{
			console.POST("/execute", consoleHandler.Execute)
			console.POST("/configure", consoleHandler.Configure)
			console.POST("/facts", consoleHandler.Facts)
			console.GET("/tasks", consoleHandler.ListTasks)
			console.GET("/task/:task_id", consoleHandler.GetTask)
			console.GET("/task/:task_id/status", consoleHandler.GetTaskStatus)
			console.POST("/task/:task_id/cancel", consoleHandler.CancelTask)
			console.GET("/stats", consoleHandler.GetStats)
		}

		// 拓扑查询路由
		labs := v1.Group("/labs")
		{
			labs.GET("", labHandler.ListLabs)
			labs.GET("/:lab_id/nodes", labHandler.ListNodes)
			labs.GET("/:lab_id/nodes/:node_id/console-log", labHandler.GetConsoleLog)
			labs.POST("/:lab_id/sync", labHandler.SyncLab)
		}

		// 配置差异路由
		v1.POST("/config/diff", diffHandler.DiffConfigs)
	}

	// 404处理
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "NOT_FOUND",
			"message": "接口不存在",
			"path":    c.Request.URL.Path,
		})
	})

	return r
}

// CORSMiddleware 跨域中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// RequestIDMiddleware 请求ID中间件
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)
		c.Set("request_id", requestID)
		c.Next()
	}
}

// LoggingMiddleware 日志中间件
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start)
		entry := logger.WithFields(logrus.Fields{
			"request_id": c.GetString("request_id"),
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"duration":   duration.String(),
			"client_ip":  c.ClientIP(),
		})

		if c.Writer.Status() >= 400 {
			entry.Error("HTTP request failed")
		} else {
			entry.Info("HTTP request")
		}
	}
}
