package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ProtocolVersion is bumped whenever the relay event set changes.
const ProtocolVersion = 1

type VersionHandler struct{}

func (h *VersionHandler) Check(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"protocol": ProtocolVersion, "engineIO": 4})
}
