package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/khanglvm/bi-gateway/internal/memory"
)

const (
	statusEntities = 20
	statusTurns    = 10
)

// MemoryStatus handles GET /api/memory/status.
func MemoryStatus(m *memory.Memory) gin.HandlerFunc {
	return func(c *gin.Context) {
		entities := m.Entities(c.Query("type"))
		if len(entities) > statusEntities {
			entities = entities[:statusEntities]
		}
		c.JSON(http.StatusOK, gin.H{
			"stats":               m.Stats(),
			"entities":            entities,
			"recent_conversation": m.RecentConversation(statusTurns),
			"session":             m.Session(),
			"context_summary":     m.ContextSummary(statusTurns),
		})
	}
}

// GetEntity handles GET /api/memory/entities/:type/:id.
func GetEntity(m *memory.Memory) gin.HandlerFunc {
	return func(c *gin.Context) {
		e, ok := m.Lookup(c.Param("type"), c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "entity not found"})
			return
		}
		c.JSON(http.StatusOK, e)
	}
}

// SearchMemory handles GET /api/memory/search.
func SearchMemory(m *memory.Memory) gin.HandlerFunc {
	return func(c *gin.Context) {
		q := c.Query("q")
		if q == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "query parameter q is required"})
			return
		}
		results := m.Search(q, c.Query("type"), queryInt(c, "limit", 10))
		if results == nil {
			results = []memory.Entity{}
		}
		c.JSON(http.StatusOK, gin.H{"query": q, "results": results})
	}
}

type conversationRequest struct {
	Role    string `json:"role" binding:"required"`
	Content string `json:"content" binding:"required"`
}

// AppendConversation handles POST /api/memory/conversation. Role "user" is
// accepted for the caller.
func AppendConversation(m *memory.Memory) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req conversationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		var role memory.Role
		switch strings.ToLower(req.Role) {
		case "user", string(memory.RoleCaller):
			role = memory.RoleCaller
		case string(memory.RoleAssistant):
			role = memory.RoleAssistant
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "role must be caller, user or assistant"})
			return
		}

		m.AppendTurn(role, req.Content)
		c.JSON(http.StatusCreated, gin.H{"turns": m.Stats().Turns})
	}
}

// ClearMemory handles DELETE /api/memory.
func ClearMemory(m *memory.Memory) gin.HandlerFunc {
	return func(c *gin.Context) {
		m.Clear()
		c.JSON(http.StatusOK, gin.H{"cleared": true})
	}
}
