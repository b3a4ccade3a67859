package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) RecordCyclePayment(c *gin.Context) {
	cycle, err := s.cycleSvc.RecordPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, cycle)
}

type cancelCycleBody struct {
	Reason string `json:"reason"`
}

func (s *Server) CancelPaymentCycle(c *gin.Context) {
	var body cancelCycleBody
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, newValidationError("body", "malformed JSON body"))
		return
	}
	if body.Reason == "" {
		AbortWithError(c, newValidationError("reason", "reason is required"))
		return
	}

	cycle, err := s.cycleSvc.CancelCycle(c.Request.Context(), c.Param("id"), body.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, cycle)
}

// RunRenewalScan triggers one renewal sweep outside the scheduler tick,
// mostly for operational runbooks and backfills.
func (s *Server) RunRenewalScan(c *gin.Context) {
	result, err := s.cycleSvc.RunRenewalScan(c.Request.Context(), s.clock.Now())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
