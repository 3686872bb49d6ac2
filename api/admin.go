package api

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleCurrentModel godoc
// @Summary 当前生成模型
// @Tags Admin
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 403 {object} map[string]string
// handleCurrentModel 返回当前生效的 "供应商 - 模型" 标识。
func (m *Module) handleCurrentModel(c *gin.Context) {
	if m == nil || m.models == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "model service not available"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"model": m.models.Describe(c.Request.Context())})
}

// handleReloadModel godoc
// @Summary 重新加载生成模型
// @Description 修改 ai_provider_configs 后调用，丢弃缓存的客户端并按最新配置重建
// @Tags Admin
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 403 {object} map[string]string
// handleReloadModel 使模型缓存失效。
func (m *Module) handleReloadModel(c *gin.Context) {
	if m == nil || m.models == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "model service not available"})
		return
	}
	m.models.Invalidate()
	model := m.models.Describe(c.Request.Context())
	if model == "" {
		log.Printf("api: model reload left no usable provider configuration")
	}
	c.JSON(http.StatusOK, gin.H{"reloaded": true, "model": model})
}
