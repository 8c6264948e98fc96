package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/monosync-project/monosync/internal/config"
	"github.com/monosync-project/monosync/internal/events"
)

const redacted = "********"

// handleGetConfig returns the relay and application configuration with
// secrets masked.
func (s *Server) handleGetConfig(c *gin.Context) {
	appData := s.cfg.GetApplicationData()
	if appData.Security.APIToken != "" {
		appData.Security.APIToken = redacted
	}

	c.JSON(http.StatusOK, gin.H{
		"relay":            s.cfg.GetRelay(),
		"application_data": appData,
	})
}

type fieldUpdate struct {
	Key   string      `json:"key" binding:"required"`
	Value interface{} `json:"value" binding:"required"`
}

// handleSetRelayField updates one relay setting, validates the result and
// persists it. Settings read per tick (timeouts, intervals) apply without a
// restart; listen_address and listen_port need one.
func (s *Server) handleSetRelayField(c *gin.Context) {
	var req fieldUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	previous := s.cfg.GetRelay()
	if err := s.cfg.UpdateField("relay", req.Key, req.Value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result := config.Validate(s.cfg, config.ModeRelay)
	if !result.IsValid() {
		s.cfg.SetRelay(previous)
		errs := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			errs = append(errs, e.Error())
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid configuration", "details": errs})
		return
	}

	if err := s.cfg.Save(); err != nil {
		s.logger.Error().Err(err).Msg("failed to save config")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
		return
	}

	if s.eventBus != nil {
		s.eventBus.Emit(context.Background(), events.Event{
			Type:   events.EventConfigChanged,
			Source: "api",
			Payload: events.ConfigChangedPayload{
				Section: "relay",
				Key:     req.Key,
				Value:   req.Value,
			},
		})
	}

	s.logger.Info().Str("key", req.Key).Interface("value", req.Value).Msg("relay setting updated")

	c.JSON(http.StatusOK, gin.H{
		"status": "updated",
		"relay":  s.cfg.GetRelay(),
	})
}
