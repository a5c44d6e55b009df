package mcp

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ultralight-ai/mcp-host/internal/auth"
	"github.com/ultralight-ai/mcp-host/internal/store"
)

// RegisterAdmin mounts the operator API: permission writes with cache
// invalidation, token minting, and hosting credits.
func (s *Server) RegisterAdmin(r *gin.Engine, adminToken string) {
	api := r.Group("/api", adminAuth(adminToken))
	api.POST("/permissions", s.handlePermissionUpsert)
	api.DELETE("/permissions/:id", s.handlePermissionDelete)
	api.POST("/tokens", s.handleTokenMint)
	api.POST("/users/:id/credit", s.handleHostingCredit)
}

func adminAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		presented, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) handlePermissionUpsert(c *gin.Context) {
	var row store.PermissionRow
	if err := c.ShouldBindJSON(&row); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if row.GrantedToUserID == "" || row.AppID == "" || row.FunctionName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "granted_to_user_id, app_id and function_name are required"})
		return
	}

	if err := s.Store.UpsertPermission(c.Request.Context(), &row); err != nil {
		s.Log.Error("permission upsert failed", zap.String("app_id", row.AppID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store write failed"})
		return
	}
	s.Perms.Invalidate(row.GrantedToUserID, row.AppID)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handlePermissionDelete removes a grant row. user_id and app_id ride
// as query params so the cached snapshot can be dropped with the row.
func (s *Server) handlePermissionDelete(c *gin.Context) {
	userID := c.Query("user_id")
	appID := c.Query("app_id")
	if userID == "" || appID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id and app_id query params are required"})
		return
	}

	if err := s.Store.DeletePermission(c.Request.Context(), c.Param("id")); err != nil {
		s.Log.Error("permission delete failed", zap.String("row_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store write failed"})
		return
	}
	s.Perms.Invalidate(userID, appID)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type mintRequest struct {
	UserID    string     `json:"user_id"`
	Name      string     `json:"name"`
	AppIDs    []string   `json:"app_ids"`
	Functions []string   `json:"function_names"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// handleTokenMint creates a scoped API token. The secret appears in
// this response only; the store keeps its hash.
func (s *Server) handleTokenMint(c *gin.Context) {
	var req mintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}

	secret, token, err := auth.MintToken(c.Request.Context(), s.Store, req.UserID, req.Name, req.AppIDs, req.Functions, req.ExpiresAt)
	if err != nil {
		s.Log.Error("token mint failed", zap.String("user_id", req.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "mint failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":        secret,
		"token_prefix": token.TokenPrefix,
		"expires_at":   token.ExpiresAt,
	})
}

type creditRequest struct {
	AmountCents int64 `json:"amount_cents"`
}

func (s *Server) handleHostingCredit(c *gin.Context) {
	var req creditRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AmountCents <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount_cents must be positive"})
		return
	}

	balance, err := s.Store.CreditHostingBalance(c.Request.Context(), c.Param("id"), req.AmountCents)
	if err != nil {
		s.Log.Error("hosting credit failed", zap.String("user_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "credit failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance_cents": balance})
}
