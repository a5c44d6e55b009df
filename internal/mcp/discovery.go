package mcp

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// handleDiscovery serves the app's connection manifest. Public and
// unlisted apps answer anonymously; private apps only answer their
// owner, and everyone else gets the same 404 the MCP endpoint gives.
func (s *Server) handleDiscovery(c *gin.Context) {
	a, err := s.Apps.FindByID(c.Request.Context(), c.Param("appId"))
	if err != nil {
		s.Log.Error("discovery app load failed", zap.String("app_id", c.Param("appId")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if a == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	if a.Visibility == "private" {
		identity, err := s.Verifier.Verify(c.Request.Context(), c.GetHeader("Authorization"))
		if err != nil || identity.UserID != a.OwnerID {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
	}

	appTools := make([]string, 0, len(a.Tools))
	for _, t := range a.Tools {
		appTools = append(appTools, t.Name)
	}
	sdk := sdkToolNames()

	manifest := gin.H{
		"name": a.Name,
		"transport": gin.H{
			"type": "http-post",
			"url":  "/mcp/" + a.ID,
		},
		"capabilities": gin.H{
			"tools":     gin.H{"listChanged": false},
			"resources": gin.H{"subscribe": false, "listChanged": false},
		},
		"tools_count":     len(appTools) + len(sdk),
		"app_tools":       appTools,
		"sdk_tools":       sdk,
		"resources_count": 1,
	}
	if a.Description != "" {
		manifest["description"] = a.Description
	}

	c.JSON(http.StatusOK, manifest)
}
