package ports

import (
	"net/http"

	"streamqos/internal/core/domain"

	"github.com/gin-gonic/gin"
)

type HTTPHandler interface {
	ListTiers(c *gin.Context)
	Recommend(c *gin.Context)
	Optimize(c *gin.Context)
	Predict(c *gin.Context)
	Transition(c *gin.Context)
	Savings(c *gin.Context)
	CanSupport(c *gin.Context)
	ByBitrate(c *gin.Context)
	ListSessions(c *gin.Context)
	GetSession(c *gin.Context)
}

type WebSocketHandler interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
	HealthCheck(w http.ResponseWriter, r *http.Request)
}

// SessionDirectory exposes the live monitoring sessions of this instance.
type SessionDirectory interface {
	ActiveSessions() []domain.SessionID
	LastEvaluation(id domain.SessionID) (domain.Evaluation, error)
}
