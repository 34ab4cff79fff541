package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ariefcatur/go-shop-orders/internal/orders"
)

// Response is the body shape of every API answer.
type Response struct {
	Success bool       `json:"success"`
	Message string     `json:"message"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
}

type ErrorBody struct {
	Code   string     `json:"code"`
	Detail string     `json:"detail"`
	Line   *LineIssue `json:"line,omitempty"`
}

// LineIssue points at the order line that rejected the whole request.
type LineIssue struct {
	Index     int    `json:"index"`
	ProductID string `json:"product_id"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func ok(w http.ResponseWriter, code int, msg string, data any) {
	writeJSON(w, code, Response{Success: true, Message: msg, Data: data})
}

var errorCodes = []struct {
	err    error
	status int
	code   string
}{
	{orders.ErrOrderNotFound, http.StatusNotFound, "ORDER_NOT_FOUND"},
	{orders.ErrAlreadyCancelled, http.StatusBadRequest, "ALREADY_CANCELLED"},
	{orders.ErrInsufficientStock, http.StatusBadRequest, "INSUFFICIENT_STOCK"},
	{orders.ErrProductNotFound, http.StatusBadRequest, "PRODUCT_NOT_FOUND"},
	{orders.ErrUserNotFound, http.StatusBadRequest, "USER_NOT_FOUND"},
	{orders.ErrInvalidTransition, http.StatusBadRequest, "INVALID_TRANSITION"},
	{orders.ErrInvalidInput, http.StatusBadRequest, "INVALID_INPUT"},
}

// fail maps err to a status code and error body. Storage failures never leak their detail.
func fail(w http.ResponseWriter, msg string, err error) {
	for _, e := range errorCodes {
		if !errors.Is(err, e.err) {
			continue
		}
		body := &ErrorBody{Code: e.code, Detail: err.Error()}
		var le *orders.LineError
		if errors.As(err, &le) {
			body.Line = &LineIssue{Index: le.Index, ProductID: le.ProductID, Requested: le.Requested, Available: le.Available}
		}
		writeJSON(w, e.status, Response{Success: false, Message: msg, Error: body})
		return
	}
	writeJSON(w, http.StatusInternalServerError, Response{
		Success: false,
		Message: msg,
		Error:   &ErrorBody{Code: "INTERNAL", Detail: "internal error"},
	})
}
