package server

import (
	"net/http"
	"time"

	subscriptiondomain "github.com/NxtWaveTools/nxt-subscription-sub002/internal/subscription/domain"
	"github.com/gin-gonic/gin"
)

type createSubscriptionBody struct {
	DepartmentID     string         `json:"department_id"`
	RequestType      string         `json:"request_type"`
	BillingFrequency string         `json:"billing_frequency"`
	StartDate        string         `json:"start_date"`
	Metadata         map[string]any `json:"metadata"`
}

func (s *Server) CreateSubscription(c *gin.Context) {
	var body createSubscriptionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, newValidationError("body", "malformed JSON body"))
		return
	}

	startDate, err := parseDateParam("start_date", body.StartDate)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if startDate == nil {
		AbortWithError(c, newValidationError("start_date", "start_date is required"))
		return
	}

	sub, err := s.subscriptionSvc.Create(c.Request.Context(), subscriptiondomain.CreateSubscriptionRequest{
		DepartmentID:     body.DepartmentID,
		RequestType:      body.RequestType,
		BillingFrequency: subscriptiondomain.BillingFrequency(body.BillingFrequency),
		StartDate:        *startDate,
		Metadata:         body.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, sub)
}

type listSubscriptionsQuery struct {
	Status       string `form:"status"`
	DepartmentID string `form:"department_id"`
	RequestType  string `form:"request_type"`
	CreatedFrom  string `form:"created_from"`
	CreatedTo    string `form:"created_to"`
	PageToken    string `form:"page_token"`
	PageSize     int32  `form:"page_size,default=50"`
}

func (s *Server) ListSubscriptions(c *gin.Context) {
	var query listSubscriptionsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, newValidationError("query", "malformed query parameters"))
		return
	}

	createdFrom, err := parseTimeParam("created_from", query.CreatedFrom)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	createdTo, err := parseTimeParam("created_to", query.CreatedTo)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.subscriptionSvc.List(c.Request.Context(), subscriptiondomain.ListSubscriptionRequest{
		Status:       query.Status,
		DepartmentID: query.DepartmentID,
		RequestType:  query.RequestType,
		CreatedFrom:  createdFrom,
		CreatedTo:    createdTo,
		PageToken:    query.PageToken,
		PageSize:     query.PageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) GetSubscription(c *gin.Context) {
	sub, err := s.subscriptionSvc.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

type transitionBody struct {
	Event  string `json:"event"`
	Reason string `json:"reason"`
}

func (s *Server) TransitionSubscription(c *gin.Context) {
	var body transitionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, newValidationError("body", "malformed JSON body"))
		return
	}

	sub, err := s.subscriptionSvc.Transition(c.Request.Context(), subscriptiondomain.TransitionRequest{
		SubscriptionID: c.Param("id"),
		Event:          subscriptiondomain.Event(body.Event),
		Reason:         body.Reason,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, sub)
}

type updateSecondaryStatusBody struct {
	PaymentStatus    *string `json:"payment_status"`
	AccountingStatus *string `json:"accounting_status"`
}

func (s *Server) UpdateSecondaryStatus(c *gin.Context) {
	var body updateSecondaryStatusBody
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, newValidationError("body", "malformed JSON body"))
		return
	}
	if body.PaymentStatus == nil && body.AccountingStatus == nil {
		AbortWithError(c, newValidationError("body", "at least one of payment_status or accounting_status is required"))
		return
	}

	req := subscriptiondomain.UpdateSecondaryStatusRequest{
		SubscriptionID: c.Param("id"),
	}
	if body.PaymentStatus != nil {
		ps := subscriptiondomain.PaymentStatus(*body.PaymentStatus)
		req.PaymentStatus = &ps
	}
	if body.AccountingStatus != nil {
		as := subscriptiondomain.AccountingStatus(*body.AccountingStatus)
		req.AccountingStatus = &as
	}

	sub, err := s.subscriptionSvc.UpdateSecondaryStatus(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, sub)
}

func (s *Server) ListPaymentCycles(c *gin.Context) {
	cycles, err := s.cycleSvc.ListCycles(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cycles": cycles})
}

// parseTimeParam parses an optional RFC3339 query value.
func parseTimeParam(field, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, newValidationError(field, "must be an RFC3339 timestamp")
	}
	return &t, nil
}

// parseDateParam accepts either a bare date or a full RFC3339 timestamp.
func parseDateParam(field, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.DateOnly, value); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, newValidationError(field, "must be a date (2006-01-02) or RFC3339 timestamp")
	}
	return &t, nil
}
