// Package sessions exposes chat session CRUD for the triage frontend.
// Identity arrives as a trusted X-User-ID header set by the gateway.
package sessions

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"triage-backend/migrations"
)

type Handler struct{}

func NewHandler() *Handler { return &Handler{} }

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	g := r.Group("/chat/sessions")
	g.POST("", h.Create)
	g.GET("", h.List)
	g.DELETE("/:id", h.Delete)
	g.GET("/:id/messages", h.Messages)
	g.POST("/:id/messages", h.AppendMessage)
}

func userID(c *gin.Context) (string, bool) {
	id := c.GetHeader("X-User-ID")
	if id == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing X-User-ID header"})
		return "", false
	}
	return id, true
}

// owned loads the session and enforces ownership. Missing and foreign
// sessions are indistinguishable to the caller.
func owned(c *gin.Context, uid string) (*migrations.ChatSession, bool) {
	s := migrations.GetChatSession(c.Param("id"))
	if s == nil || s.UserID != uid {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found or access denied"})
		return nil, false
	}
	return s, true
}

func (h *Handler) Create(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	var req struct {
		Title string `json:"title"`
	}
	_ = c.ShouldBindJSON(&req)
	s, err := migrations.CreateChatSession(uid, req.Title)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create session"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": s})
}

func (h *Handler) List(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	list := migrations.ListChatSessions(uid)
	if list == nil {
		list = []migrations.ChatSession{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": list})
}

func (h *Handler) Delete(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	if _, ok := owned(c, uid); !ok {
		return
	}
	if err := migrations.DeleteChatSession(c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not delete session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (h *Handler) Messages(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	if _, ok := owned(c, uid); !ok {
		return
	}
	msgs := migrations.ListMessages(c.Param("id"))
	if msgs == nil {
		msgs = []migrations.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *Handler) AppendMessage(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	if _, ok := owned(c, uid); !ok {
		return
	}
	var req struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "role and content are required"})
		return
	}
	if req.Role != "user" && req.Role != "assistant" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "role must be user or assistant"})
		return
	}
	m, err := migrations.AppendMessage(c.Param("id"), req.Role, req.Content, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not append message"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": m})
}
