package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// listNodes handles GET /api/v1/cluster/nodes
func (s *Server) listNodes(c *gin.Context) {
	nodes, err := s.nodes.GetActiveNodes(c.Request.Context())
	if err != nil {
		s.logger.Error("failed to list nodes", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to get nodes: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"nodes": nodes,
		"count": len(nodes),
	})
}
