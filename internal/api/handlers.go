package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"binary-options-bot/internal/broker"
	"binary-options-bot/internal/engine"
)

// startRequest is the body of POST /api/mode/start. Omitted fields fall back
// to the configured defaults.
type startRequest struct {
	Asset      string                   `json:"asset"`
	Account    string                   `json:"account"`
	Mode       string                   `json:"mode" binding:"required"`
	Staking    *engine.StakingConfig    `json:"staking,omitempty"`
	Prediction *engine.PredictionConfig `json:"prediction,omitempty"`
}

func (s *Server) handleModeStart(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	params := engine.StartParams{
		Asset:   req.Asset,
		Account: broker.AccountKind(req.Account),
		Mode:    req.Mode,
		Staking: s.defaultStaking,
	}
	if params.Asset == "" {
		params.Asset = s.defaultAsset
	}
	if params.Account == "" {
		params.Account = broker.AccountKind(s.defaultAccount)
	}
	if req.Staking != nil {
		params.Staking = *req.Staking
	}
	if req.Prediction != nil {
		params.Prediction = *req.Prediction
	}

	if err := s.eng.Start(params); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, engine.ErrAlreadyActive) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"started": true, "mode": req.Mode})
}

func (s *Server) handleModeStop(c *gin.Context) {
	if err := s.eng.Stop(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, engine.ErrNotActive) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": true})
}

func (s *Server) handleModeStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.eng.Status())
}

func (s *Server) handleModeOrders(c *gin.Context) {
	orders := s.eng.Orders()
	if orders == nil {
		orders = []engine.Order{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}
