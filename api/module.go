package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tutorqa_back/authorization"
	"tutorqa_back/knowledge"
	"tutorqa_back/qa"
	"tutorqa_back/storage"
)

// ModelReloader 在供应商配置变更后丢弃缓存的模型客户端。
type ModelReloader interface {
	Invalidate()
	Describe(ctx context.Context) string
}

// Dependencies 是注册路由所需的服务。Models 可以为 nil。
type Dependencies struct {
	Documents      *knowledge.Service
	Blobs          storage.BlobStore
	QA             *qa.Service
	Models         ModelReloader
	AllowedOrigins []string
}

// Module 聚合文档管理、问答与管理接口。
type Module struct {
	documents *knowledge.Service
	blobs     storage.BlobStore
	qa        *qa.Service
	models    ModelReloader
	upgrader  websocket.Upgrader
}

// RegisterRoutes 初始化 HTTP 模块并注册所有路由。
func RegisterRoutes(router *gin.Engine, guard *authorization.Guard, deps Dependencies) (*Module, error) {
	if router == nil {
		return nil, errors.New("api: router is required")
	}
	if deps.Documents == nil {
		return nil, errors.New("api: document service is required")
	}
	if deps.QA == nil {
		return nil, errors.New("api: qa service is required")
	}

	module := &Module{
		documents: deps.Documents,
		blobs:     deps.Blobs,
		qa:        deps.QA,
		models:    deps.Models,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(deps.AllowedOrigins),
		},
	}

	router.GET("/healthz", module.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	documents := router.Group("/api/documents")
	documents.Use(requireAuthenticated(guard))
	documents.POST("", module.handleUploadDocument)
	documents.POST("/upload", module.handleUploadDocument)
	documents.GET("", module.handleListDocuments)
	documents.GET("/stats", module.handleDocumentStats)
	documents.POST("/cleanup", guard.RequireAnyRole("ADMIN", "TEACHER"), module.handleCleanupDocuments)
	documents.GET("/:id", module.handleGetDocument)
	documents.GET("/:id/chunks", module.handleListChunks)
	documents.GET("/:id/download", module.handleDownloadDocument)
	documents.DELETE("/:id", module.handleDeleteDocument)
	documents.POST("/:id/reprocess", module.handleReprocessDocument)

	answers := router.Group("/api/qa")
	if guard != nil {
		answers.Use(guard.Optional())
	}
	answers.POST("/ask", module.handleAsk)
	answers.GET("/stream", module.handleStreamQuery)
	answers.POST("/stream", module.handleStream)
	answers.GET("/ws", module.handleWebSocket)
	answers.GET("/history", module.handleHistory)

	admin := router.Group("/api/admin")
	if guard != nil {
		admin.Use(guard.RequireAuthenticated(), guard.RequireRole("ADMIN"))
	} else {
		admin.Use(missingGuard)
	}
	admin.GET("/llm", module.handleCurrentModel)
	admin.POST("/llm/reload", module.handleReloadModel)

	return module, nil
}

func requireAuthenticated(guard *authorization.Guard) gin.HandlerFunc {
	if guard == nil {
		return missingGuard
	}
	return guard.RequireAuthenticated()
}

func missingGuard(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization middleware missing"})
}

// callerFrom 把令牌中的身份转换为问答调用者，匿名请求返回零值。
func callerFrom(c *gin.Context) qa.Caller {
	identity, ok := authorization.CurrentIdentity(c)
	if !ok {
		return qa.Caller{}
	}
	return qa.Caller{UserID: identity.UserID, Roles: identity.Roles}
}

// handleHealth godoc
// @Summary 健康检查
// @Tags System
// @Produce json
// @Success 200 {object} map[string]string
// handleHealth 返回服务存活状态。
func (m *Module) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
