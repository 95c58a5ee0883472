package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"easyagent-client/internal/agent"
	"easyagent-client/internal/model"
	"easyagent-client/pkg/logger"
)

const (
	serviceName    = "easyagent-devserver"
	serviceVersion = "1.0.0"
)

type CatalogHandler struct {
	catalog *agent.Catalog
	runner  agent.Runner
}

func NewCatalogHandler(catalog *agent.Catalog, runner agent.Runner) *CatalogHandler {
	return &CatalogHandler{catalog: catalog, runner: runner}
}

func (h *CatalogHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, model.HealthResponse{
		Status:       "healthy",
		Service:      serviceName,
		Version:      serviceVersion,
		AgentsLoaded: h.catalog.Len(),
	})
}

func (h *CatalogHandler) ListAgents(c *gin.Context) {
	agents := h.catalog.List()
	c.JSON(http.StatusOK, model.AgentsListResponse{
		Status: "success",
		Count:  len(agents),
		Agents: agents,
	})
}

func (h *CatalogHandler) GetAgent(c *gin.Context) {
	name := c.Param("name")
	detail, ok := h.catalog.Get(name)
	if !ok {
		errorJSON(c, http.StatusNotFound, "not_found", "agent "+name+" not found")
		return
	}
	c.JSON(http.StatusOK, model.AgentDetailResponse{Status: "success", Agent: detail})
}

// ReloadAgents 重新加载剧本（如果 Runner 支持）和 Agent 目录
func (h *CatalogHandler) ReloadAgents(c *gin.Context) {
	if r, ok := h.runner.(agent.Reloader); ok {
		if err := r.Reload(); err != nil {
			logger.Errorf("Failed to reload runner: %v", err)
			errorJSON(c, http.StatusInternalServerError, "reload_failed", err.Error())
			return
		}
	}
	count := h.catalog.Reload()
	logger.Infof("Agent catalog reloaded: %d agents", count)

	h.ListAgents(c)
}
