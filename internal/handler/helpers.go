package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/retail-order-service/internal/order"
	"github.com/vasiliy-maslov/retail-order-service/internal/product"
)

// Stable machine-readable error codes returned in the "code" field.
const (
	CodeCustomerNotFound        = "customer_not_found"
	CodeInvalidAddress          = "invalid_address"
	CodeEmptyOrder              = "empty_order"
	CodeInvalidQuantity         = "invalid_quantity"
	CodeProductNotFound         = "product_not_found"
	CodeInsufficientStock       = "insufficient_stock"
	CodeOrderNotFound           = "order_not_found"
	CodeInvalidStatus           = "invalid_status"
	CodeInvalidStatusTransition = "invalid_status_transition"
	CodeDuplicateOrder          = "duplicate_order"
	CodeValidationFailed        = "validation_failed"
	CodeInvalidRequest          = "invalid_request"
	CodeUnauthorized            = "unauthorized"
	CodeForbidden               = "forbidden"
	CodeInternal                = "internal_error"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

func respondWithError(w http.ResponseWriter, status int, code, message string) {
	respondWithJSON(w, status, ErrorResponse{Error: message, Code: code})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal JSON response")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"Failed to marshal JSON response","code":"internal_error"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(response); err != nil {
		log.Error().Err(err).Msg("Failed to write JSON response")
	}
}

// mapError turns a service error into the HTTP status and body shown to the client.
// Anything unrecognised is reported as a generic internal error.
func mapError(err error) (int, ErrorResponse) {
	var (
		missingErr    *product.MissingProductsError
		stockErr      *product.InsufficientStockError
		transitionErr *order.InvalidTransitionError
	)

	switch {
	case errors.Is(err, order.ErrCustomerNotFound):
		return http.StatusNotFound, ErrorResponse{Error: "Customer not found", Code: CodeCustomerNotFound}
	case errors.Is(err, order.ErrInvalidAddress):
		return http.StatusBadRequest, ErrorResponse{Error: "Shipping address does not belong to customer", Code: CodeInvalidAddress}
	case errors.Is(err, order.ErrEmptyOrder):
		return http.StatusBadRequest, ErrorResponse{Error: "Order must contain at least one item", Code: CodeEmptyOrder}
	case errors.Is(err, order.ErrInvalidQuantity):
		return http.StatusBadRequest, ErrorResponse{Error: "Item quantity must be greater than zero", Code: CodeInvalidQuantity}
	case errors.As(err, &missingErr):
		return http.StatusNotFound, ErrorResponse{
			Error:   "Product not found",
			Code:    CodeProductNotFound,
			Details: map[string]any{"product_ids": missingErr.IDs},
		}
	case errors.Is(err, product.ErrNotFound):
		return http.StatusNotFound, ErrorResponse{Error: "Product not found", Code: CodeProductNotFound}
	case errors.As(err, &stockErr):
		return http.StatusConflict, ErrorResponse{
			Error:   "Insufficient stock",
			Code:    CodeInsufficientStock,
			Details: map[string]any{"shortages": stockErr.Shortages},
		}
	case errors.Is(err, product.ErrInsufficientStock):
		return http.StatusConflict, ErrorResponse{Error: "Insufficient stock", Code: CodeInsufficientStock}
	case errors.Is(err, order.ErrOrderNotFound):
		return http.StatusNotFound, ErrorResponse{Error: "Order not found", Code: CodeOrderNotFound}
	case errors.Is(err, order.ErrInvalidStatus):
		return http.StatusBadRequest, ErrorResponse{Error: "Invalid order status", Code: CodeInvalidStatus}
	case errors.As(err, &transitionErr):
		return http.StatusConflict, ErrorResponse{
			Error:   fmt.Sprintf("Cannot change order status from %s to %s", transitionErr.From, transitionErr.To),
			Code:    CodeInvalidStatusTransition,
			Details: map[string]string{"from": transitionErr.From.String(), "to": transitionErr.To.String()},
		}
	case errors.Is(err, order.ErrDuplicateOrderID):
		return http.StatusConflict, ErrorResponse{Error: "Order already exists", Code: CodeDuplicateOrder}
	default:
		return http.StatusInternalServerError, ErrorResponse{Error: "Internal server error", Code: CodeInternal}
	}
}

func formatValidationErrors(errs validator.ValidationErrors) map[string]string {
	details := make(map[string]string, len(errs))
	for _, fe := range errs {
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		details[field] = fmt.Sprintf("failed on '%s' validation", fe.Tag())
	}
	return details
}
