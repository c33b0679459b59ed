package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/retail-order-service/internal/order"
)

type OrderItemRequest struct {
	ProductID string `json:"product_id" validate:"required,uuid"`
	Quantity  int    `json:"quantity" validate:"max=2147483647"`
}

type CreateOrderRequest struct {
	CustomerID        string             `json:"customer_id" validate:"required,uuid"`
	ShippingAddressID string             `json:"shipping_address_id" validate:"required,uuid"`
	Items             []OrderItemRequest `json:"items" validate:"dive"`
}

type UpdateOrderStatusRequest struct {
	Status string `json:"status" validate:"required"`
}

type OrderItemResponse struct {
	ProductID uuid.UUID       `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

type OrderResponse struct {
	ID                uuid.UUID           `json:"id"`
	CustomerID        uuid.UUID           `json:"customer_id"`
	ShippingAddressID uuid.UUID           `json:"shipping_address_id"`
	Status            string              `json:"status"`
	TotalPrice        decimal.Decimal     `json:"total_price"`
	Items             []OrderItemResponse `json:"items"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

type OrderListResponse struct {
	Items    []OrderResponse `json:"items"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
}

func toOrderResponse(o *order.Order) OrderResponse {
	items := make([]OrderItemResponse, len(o.Items))
	for i, it := range o.Items {
		items[i] = OrderItemResponse{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
			Subtotal:  it.Subtotal(),
		}
	}
	return OrderResponse{
		ID:                o.ID,
		CustomerID:        o.CustomerID,
		ShippingAddressID: o.ShippingAddressID,
		Status:            o.Status.String(),
		TotalPrice:        o.TotalPrice,
		Items:             items,
		CreatedAt:         o.CreatedAt,
		UpdatedAt:         o.UpdatedAt,
	}
}

type OrderHandler struct {
	service  order.Service
	validate *validator.Validate
}

func NewOrderHandler(service order.Service) *OrderHandler {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &OrderHandler{
		service:  service,
		validate: validate,
	}
}

func (h *OrderHandler) RegisterRoutes(router chi.Router) {
	router.Post("/orders", h.handleCreateOrder)
	router.Get("/orders", h.handleListOrders)
	router.Get("/orders/{id}", h.handleGetOrderByID)
	router.Put("/orders/{id}", h.handleUpdateOrderStatus)
	router.Delete("/orders/{id}", h.handleDeleteOrder)
}

func (h *OrderHandler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var requestPayload CreateOrderRequest
	if !h.decodeAndValidate(w, r, &requestPayload) {
		return
	}

	input := order.PlaceOrderInput{
		CustomerID:        uuid.FromStringOrNil(requestPayload.CustomerID),
		ShippingAddressID: uuid.FromStringOrNil(requestPayload.ShippingAddressID),
		Items:             make([]order.ItemInput, len(requestPayload.Items)),
	}
	for i, it := range requestPayload.Items {
		input.Items[i] = order.ItemInput{ProductID: uuid.FromStringOrNil(it.ProductID), Quantity: it.Quantity}
	}

	placed, err := h.service.PlaceOrder(r.Context(), input)
	if err != nil {
		h.respondWithServiceError(w, r, err, "Failed to place order via service")
		return
	}

	w.Header().Set("Location", "/orders/"+placed.ID.String())
	respondWithJSON(w, http.StatusCreated, toOrderResponse(placed))
}

func (h *OrderHandler) handleGetOrderByID(w http.ResponseWriter, r *http.Request) {
	orderID, ok := parseOrderID(w, r)
	if !ok {
		return
	}

	found, err := h.service.GetOrderByID(r.Context(), orderID)
	if err != nil {
		h.respondWithServiceError(w, r, err, "Failed to get order by id via service")
		return
	}

	respondWithJSON(w, http.StatusOK, toOrderResponse(found))
}

func (h *OrderHandler) handleListOrders(w http.ResponseWriter, r *http.Request) {
	filter, page, err := parseListQuery(r.URL.Query())
	if err != nil {
		log.Ctx(r.Context()).Warn().Err(err).Msg("Invalid list query parameters")
		respondWithError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}

	result, err := h.service.ListOrders(r.Context(), filter, page)
	if err != nil {
		h.respondWithServiceError(w, r, err, "Failed to list orders via service")
		return
	}

	response := OrderListResponse{
		Items:    make([]OrderResponse, len(result.Items)),
		Total:    result.Total,
		Page:     result.Page,
		PageSize: result.PageSize,
	}
	for i := range result.Items {
		response.Items[i] = toOrderResponse(&result.Items[i])
	}

	respondWithJSON(w, http.StatusOK, response)
}

func (h *OrderHandler) handleUpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	orderID, ok := parseOrderID(w, r)
	if !ok {
		return
	}

	var requestPayload UpdateOrderStatusRequest
	if !h.decodeAndValidate(w, r, &requestPayload) {
		return
	}

	status, err := order.ParseStatus(requestPayload.Status)
	if err != nil {
		h.respondWithServiceError(w, r, err, "Invalid status in request")
		return
	}

	updated, err := h.service.UpdateOrderStatus(r.Context(), orderID, status)
	if err != nil {
		h.respondWithServiceError(w, r, err, "Failed to update order status via service")
		return
	}

	respondWithJSON(w, http.StatusOK, toOrderResponse(updated))
}

func (h *OrderHandler) handleDeleteOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := parseOrderID(w, r)
	if !ok {
		return
	}

	if err := h.service.DeleteOrder(r.Context(), orderID); err != nil {
		h.respondWithServiceError(w, r, err, "Failed to delete order via service")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *OrderHandler) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		log.Ctx(r.Context()).Warn().Err(err).Msg("Failed to decode request body")
		respondWithError(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid request payload")
		return false
	}

	err := h.validate.Struct(dst)
	if err == nil {
		return true
	}

	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		respondWithJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "Validation failed",
			Code:    CodeValidationFailed,
			Details: formatValidationErrors(validationErrors),
		})
		return false
	}

	log.Ctx(r.Context()).Error().Err(err).Type("validation_error_type", err).Msg("Unexpected error type during validation")
	respondWithError(w, http.StatusInternalServerError, CodeInternal, "Internal validation error")
	return false
}

func (h *OrderHandler) respondWithServiceError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	status, body := mapError(err)
	if status >= http.StatusInternalServerError {
		log.Ctx(r.Context()).Error().Err(err).Msg(msg)
	} else {
		log.Ctx(r.Context()).Warn().Err(err).Int("status", status).Msg(msg)
	}
	respondWithJSON(w, status, body)
}

func parseOrderID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	idParam := chi.URLParam(r, "id")
	orderID, err := uuid.FromString(idParam)
	if err != nil {
		log.Ctx(r.Context()).Warn().Err(err).Str("order_id", idParam).Msg("Failed to parse id parameter from URL")
		respondWithError(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid id parameter")
		return uuid.Nil, false
	}
	return orderID, true
}

const dateLayout = "2006-01-02"

// parseListQuery reads the supported filters from q. Unknown parameters are ignored.
func parseListQuery(q url.Values) (order.ListFilter, order.PageRequest, error) {
	var (
		filter order.ListFilter
		page   order.PageRequest
	)

	if v := q.Get("id"); v != "" {
		id, err := uuid.FromString(v)
		if err != nil {
			return filter, page, fmt.Errorf("invalid id parameter %q", v)
		}
		filter.OrderID = &id
	}

	if v := q.Get("customer_id"); v != "" {
		id, err := uuid.FromString(v)
		if err != nil {
			return filter, page, fmt.Errorf("invalid customer_id parameter %q", v)
		}
		filter.CustomerID = &id
	}

	if v := q.Get("status"); v != "" {
		status, err := order.ParseStatus(v)
		if err != nil {
			return filter, page, fmt.Errorf("invalid status parameter %q", v)
		}
		filter.Status = &status
	}

	filter.Section = strings.TrimSpace(q.Get("section"))

	if v := q.Get("created_from"); v != "" {
		t, err := parseTime(v, false)
		if err != nil {
			return filter, page, fmt.Errorf("invalid created_from parameter %q", v)
		}
		filter.CreatedFrom = &t
	}

	if v := q.Get("created_to"); v != "" {
		t, err := parseTime(v, true)
		if err != nil {
			return filter, page, fmt.Errorf("invalid created_to parameter %q", v)
		}
		filter.CreatedTo = &t
	}

	if filter.CreatedFrom != nil && filter.CreatedTo != nil && filter.CreatedTo.Before(*filter.CreatedFrom) {
		return filter, page, errors.New("created_to must not be before created_from")
	}

	var err error
	if page.Page, err = positiveInt(q, "page"); err != nil {
		return filter, page, err
	}
	if page.PageSize, err = positiveInt(q, "page_size"); err != nil {
		return filter, page, err
	}
	if page.Sort, err = order.ParseSort(q.Get("sort")); err != nil {
		return filter, page, err
	}

	return filter, page, nil
}

// parseTime accepts RFC 3339 timestamps or plain dates. A plain date used as
// an upper bound covers the whole day.
func parseTime(v string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse(dateLayout, v)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

func positiveInt(q url.Values, key string) (int, error) {
	v := q.Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid %s parameter %q", key, v)
	}
	return n, nil
}
