package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"price-pulse/internal/market"
	"price-pulse/internal/render"
	"price-pulse/internal/service"
)

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// RuleRequest is the body of PUT /api/v1/alert-rule. Thresholds accept numbers or strings.
type RuleRequest struct {
	PriceThreshold     decimal.NullDecimal `json:"price_threshold"`
	ChangeThreshold    decimal.NullDecimal `json:"change_threshold"`
	RequireTightSpread bool                `json:"require_tight_spread"`
}

// RuleResponse echoes the saved rule and its fresh alert state.
type RuleResponse struct {
	RuleID             string `json:"rule_id"`
	Armed              bool   `json:"armed"`
	Fired              bool   `json:"fired"`
	PriceThreshold     string `json:"price_threshold,omitempty"`
	ChangeThreshold    string `json:"change_threshold,omitempty"`
	RequireTightSpread bool   `json:"require_tight_spread"`
}

// ConvertResponse is the converter result.
type ConvertResponse struct {
	Amount string `json:"amount"`
	To     string `json:"to"`
	Result string `json:"result"`
	Price  string `json:"price"`
}

type healthResponse struct {
	Status string            `json:"status"`
	Health render.HealthView `json:"health"`
	Seq    uint64            `json:"seq"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	view := render.NewView(s.latest())
	resp := healthResponse{Status: "ok", Health: view.Health, Seq: view.Seq}
	if !view.Health.Poll.Healthy && !view.Health.Stream.Healthy {
		resp.Status = "degraded"
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) state(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, render.NewView(s.latest()))
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	s.backend.RefreshNow()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "refresh scheduled"})
}

func (s *Server) reconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.ReconnectStream(); err != nil {
		if errors.Is(err, service.ErrStreamDisabled) {
			writeError(w, r, http.StatusConflict, "stream_disabled", err.Error())
			return
		}
		writeError(w, r, http.StatusInternalServerError, "reconnect_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reconnecting"})
}

func (s *Server) saveRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	rule := market.AlertRule{
		PriceThreshold:     req.PriceThreshold,
		ChangeThreshold:    req.ChangeThreshold,
		RequireTightSpread: req.RequireTightSpread,
	}
	alert := s.backend.SetAlertRule(rule)
	writeJSON(w, http.StatusOK, RuleResponse{
		RuleID:             alert.RuleID,
		Armed:              alert.Armed,
		Fired:              alert.Fired,
		PriceThreshold:     nullString(rule.PriceThreshold),
		ChangeThreshold:    nullString(rule.ChangeThreshold),
		RequireTightSpread: rule.RequireTightSpread,
	})
}

func (s *Server) convert(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	amount, err := decimal.NewFromString(strings.TrimSpace(q.Get("amount")))
	if err != nil || amount.IsNegative() {
		writeError(w, r, http.StatusBadRequest, "invalid_amount", "amount must be a non-negative number")
		return
	}

	to := strings.ToLower(q.Get("to"))
	if to == "" {
		to = "quote"
	}
	if to != "quote" && to != "base" {
		writeError(w, r, http.StatusBadRequest, "invalid_target", "to must be quote or base")
		return
	}

	result, price, err := s.backend.Convert(amount, to == "quote")
	if err != nil {
		if errors.Is(err, service.ErrNoPrice) {
			writeError(w, r, http.StatusServiceUnavailable, "no_price", err.Error())
			return
		}
		writeError(w, r, http.StatusInternalServerError, "convert_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ConvertResponse{
		Amount: amount.String(),
		To:     to,
		Result: result.String(),
		Price:  price.String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"error":"json_encoding_failed"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, status, ErrorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      code,
		RequestID: requestID(r),
		Timestamp: time.Now().UTC(),
	})
}

func nullString(d decimal.NullDecimal) string {
	if !d.Valid {
		return ""
	}
	return d.Decimal.String()
}
