package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"collabsync/internal/hub"
)

type SessionHandler struct {
	Hub *hub.Hub
}

// Participants lists the presence the relay currently holds for a room.
func (h *SessionHandler) Participants(c *gin.Context) {
	list := h.Hub.Snapshot(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"sessionId": c.Param("id"), "participants": list})
}
