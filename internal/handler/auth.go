package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"collabsync/internal/auth"
)

// TokenHandler issues relay join tokens without checking who asks. It is
// only mounted when dev tokens are enabled.
type TokenHandler struct {
	TokenConfig auth.TokenConfig
}

type tokenRequestBody struct {
	ParticipantID string `json:"participantId"`
	Name          string `json:"name"`
	SessionID     string `json:"sessionId"`
}

func (h *TokenHandler) Create(c *gin.Context) {
	var body tokenRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if body.ParticipantID == "" {
		body.ParticipantID = uuid.NewString()
	}

	token, err := auth.CreateToken(auth.Grant{
		ParticipantID: body.ParticipantID,
		Name:          body.Name,
		SessionID:     body.SessionID,
	}, h.TokenConfig)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Token creation failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token, "participantId": body.ParticipantID})
}
