package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"streamqos/internal/core/domain"
	"streamqos/internal/core/ports"
	"streamqos/internal/core/services"
	"streamqos/pkg/errors"
	"streamqos/pkg/validation"

	"github.com/gin-gonic/gin"
)

const maxPredictSamples = 1000

type QoSHandler struct {
	quality      ports.QualityService
	transmission ports.TransmissionService
	sessions     ports.SessionDirectory
	profile      domain.QoSProfile
	now          func() time.Time
}

func NewQoSHandler(
	quality ports.QualityService,
	transmission ports.TransmissionService,
	sessions ports.SessionDirectory,
	profile domain.QoSProfile,
) *QoSHandler {
	return &QoSHandler{
		quality:      quality,
		transmission: transmission,
		sessions:     sessions,
		profile:      profile,
		now:          time.Now,
	}
}

func (h *QoSHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/qos")
	{
		api.GET("/tiers", h.ListTiers)
		api.GET("/tiers/by-bitrate", h.ByBitrate)
		api.POST("/recommend", h.Recommend)
		api.POST("/optimize", h.Optimize)
		api.POST("/predict", h.Predict)
		api.POST("/transition", h.Transition)
		api.POST("/savings", h.Savings)
		api.POST("/can-support", h.CanSupport)

		api.GET("/sessions", h.ListSessions)
		api.GET("/sessions/:id", h.GetSession)
	}
}

func (h *QoSHandler) ListTiers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"tiers": h.quality.Tiers(),
	})
}

// Recommend evaluates one telemetry record. Missing or malformed fields take
// their neutral defaults, like records arriving over the socket.
func (h *QoSHandler) Recommend(c *gin.Context) {
	snapshot, ok := h.bindSnapshot(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"recommendation": h.quality.RecommendQuality(snapshot),
	})
}

func (h *QoSHandler) Optimize(c *gin.Context) {
	snapshot, ok := h.bindSnapshot(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transmissionPolicy":   h.transmission.OptimizeTransmission(snapshot),
		"advisories":           h.transmission.OptimizationRecommendations(snapshot),
		"optimalBufferSeconds": h.transmission.OptimalBufferSeconds(snapshot.BandwidthKbps, snapshot.JitterMs),
	})
}

func (h *QoSHandler) Predict(c *gin.Context) {
	var req struct {
		History []float64 `json:"history"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("invalid request body"))
		return
	}
	if len(req.History) > maxPredictSamples {
		_ = c.Error(errors.NewInvalidInputError(fmt.Sprintf("history is too long (max %d samples)", maxPredictSamples)))
		return
	}

	history := services.NewBandwidthHistory(maxInt(len(req.History), 1))
	for i, v := range req.History {
		if err := validation.ValidateMeasurement(v, fmt.Sprintf("history[%d]", i)); err != nil {
			_ = c.Error(errors.NewInvalidInputError(err.Error()))
			return
		}
		history.Push(v)
	}

	c.JSON(http.StatusOK, gin.H{
		"prediction": h.quality.PredictQuality(history.Samples()),
		"trend":      history.Trend(h.profile.PredictWindow),
		"samples":    history.Len(),
	})
}

func (h *QoSHandler) Transition(c *gin.Context) {
	var req struct {
		Current     string `json:"current"`
		Recommended string `json:"recommended"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("invalid request body"))
		return
	}
	for _, name := range []string{req.Current, req.Recommended} {
		if err := validation.ValidateTierName(name); err != nil {
			_ = c.Error(errors.NewInvalidInputError(err.Error()))
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"transition": h.quality.QualityTransition(req.Current, req.Recommended),
		"path":       h.quality.TransitionPath(req.Current, req.Recommended),
	})
}

func (h *QoSHandler) Savings(c *gin.Context) {
	var req struct {
		OriginalBitrate  int     `json:"originalBitrate"`
		OptimizedBitrate int     `json:"optimizedBitrate"`
		Duration         float64 `json:"duration"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("invalid request body"))
		return
	}
	for _, bitrate := range []int{req.OriginalBitrate, req.OptimizedBitrate} {
		if err := validation.ValidateBitrate(bitrate); err != nil {
			_ = c.Error(errors.NewInvalidInputError(err.Error()))
			return
		}
	}
	if req.Duration <= 0 {
		_ = c.Error(errors.NewInvalidInputError("duration must be positive"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"savings": h.transmission.DataSavings(float64(req.OriginalBitrate), float64(req.OptimizedBitrate), req.Duration),
	})
}

func (h *QoSHandler) CanSupport(c *gin.Context) {
	var req struct {
		Quality    string  `json:"quality"`
		Bandwidth  float64 `json:"bandwidth"`
		PacketLoss float64 `json:"packetLoss"`
		Jitter     float64 `json:"jitter"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("invalid request body"))
		return
	}
	if err := h.checkTier(req.Quality); err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"quality":   req.Quality,
		"supported": h.quality.CanSupportQuality(req.Quality, req.Bandwidth, req.PacketLoss, req.Jitter),
	})
}

func (h *QoSHandler) ByBitrate(c *gin.Context) {
	kbps, err := strconv.ParseFloat(c.Query("kbps"), 64)
	if err != nil {
		_ = c.Error(errors.NewInvalidInputError("kbps query parameter must be a number"))
		return
	}
	if err := validation.ValidateMeasurement(kbps, "kbps"); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tier": h.quality.QualityByBitrate(kbps),
	})
}

func (h *QoSHandler) ListSessions(c *gin.Context) {
	if h.sessions == nil {
		c.JSON(http.StatusOK, gin.H{"sessions": []domain.SessionID{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": h.sessions.ActiveSessions(),
	})
}

func (h *QoSHandler) GetSession(c *gin.Context) {
	id := c.Param("id")
	if err := validation.ValidateSessionID(id); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if h.sessions == nil {
		_ = c.Error(fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id))
		return
	}

	eval, err := h.sessions.LastEvaluation(domain.SessionID(id))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"evaluation": eval,
	})
}

func (h *QoSHandler) bindSnapshot(c *gin.Context) (domain.TelemetrySnapshot, bool) {
	body, err := c.GetRawData()
	if err != nil {
		_ = c.Error(errors.NewInvalidInputError("failed to read request body"))
		return domain.TelemetrySnapshot{}, false
	}

	record := domain.NewTelemetryRecord()
	if len(body) > 0 {
		if err := json.Unmarshal(body, &record); err != nil {
			_ = c.Error(errors.NewInvalidInputError("telemetry must be a JSON object"))
			return domain.TelemetrySnapshot{}, false
		}
	}
	return domain.NewTelemetrySnapshot(record, h.now()), true
}

func (h *QoSHandler) checkTier(name string) error {
	if err := validation.ValidateTierName(name); err != nil {
		return errors.NewInvalidInputError(err.Error())
	}
	if _, ok := h.quality.Tiers().Lookup(name); !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownTier, name)
	}
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
