// Package handler содержит HTTP-обработчики API движка заказов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ntikhonov/packtrack-system/internal/middleware"
	"github.com/ntikhonov/packtrack-system/internal/model"
	"github.com/ntikhonov/packtrack-system/internal/repository"
	"github.com/ntikhonov/packtrack-system/internal/status"
	"github.com/ntikhonov/packtrack-system/internal/totals"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateOrder(ctx context.Context, items []model.OrderItem, surcharges totals.Surcharges) (*model.Order, error)
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	ListOrdersForRole(ctx context.Context, role model.Role) ([]model.Order, error)
	RequestTransition(ctx context.Context, role model.Role, orderID string, target model.OrderStatus, p status.Payload) (*model.Order, error)
	UpdateOrderItems(ctx context.Context, orderID string, items []model.OrderItem, surcharges totals.Surcharges) (*model.Order, error)
	AttachDocuments(ctx context.Context, orderID, invoiceURL, waybillURL, additionalDocURL string) error
	AllocateStock(ctx context.Context, orderID string, selections map[string]decimal.Decimal, idempotencyKey string) error
	ReverseAllocation(ctx context.Context, orderID, itemID string) error
	ReconcileShipment(ctx context.Context, role model.Role, orderID string, perLine map[string]decimal.Decimal, override bool) (*model.Order, error)
	AddStockItem(ctx context.Context, item model.StockItem, confirmMerge bool) (*model.StockItem, bool, error)
	ListStockItems(ctx context.Context) ([]model.StockItem, error)
	AdjustStockQuantity(ctx context.Context, itemID string, delta decimal.Decimal) error
	DeleteStockItem(ctx context.Context, itemID string) error
	ListStockMovements(ctx context.Context, itemID string) ([]model.StockMovement, error)
}

// Handler реализует HTTP-обработчики API движка заказов.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type surchargesRequest struct {
	GofrePrice      decimal.Decimal `json:"gofre_price"`
	GofreVATRate    decimal.Decimal `json:"gofre_vat_rate"`
	ShippingPrice   decimal.Decimal `json:"shipping_price"`
	ShippingVATRate decimal.Decimal `json:"shipping_vat_rate"`
}

func (r surchargesRequest) toSurcharges() totals.Surcharges {
	return totals.Surcharges{
		GofrePrice:      r.GofrePrice,
		GofreVATRate:    r.GofreVATRate,
		ShippingPrice:   r.ShippingPrice,
		ShippingVATRate: r.ShippingVATRate,
	}
}

type createOrderRequest struct {
	Items []model.OrderItem `json:"items"`
	surchargesRequest
}

type orderResponse struct {
	ID                 string                             `json:"id"`
	Status             string                             `json:"status"`
	DesignStatus       string                             `json:"design_status"`
	Items              []model.OrderItem                  `json:"items"`
	StockUsage         map[string]decimal.Decimal         `json:"stock_usage,omitempty"`
	ProcurementDetails map[string]model.ProcurementDetail `json:"procurement_details,omitempty"`
	InvoiceURL         string                             `json:"invoice_url,omitempty"`
	WaybillURL         string                             `json:"waybill_url,omitempty"`
	PackagingType      string                             `json:"packaging_type,omitempty"`
	PackagingCount     int                                `json:"packaging_count,omitempty"`
	PackageNumber      string                             `json:"package_number,omitempty"`
	VehiclePlate       string                             `json:"vehicle_plate,omitempty"`
	TrailerPlate       string                             `json:"trailer_plate,omitempty"`
	AdditionalDocURL   string                             `json:"additional_doc_url,omitempty"`
	Subtotal           decimal.Decimal                    `json:"subtotal"`
	VATTotal           decimal.Decimal                    `json:"vat_total"`
	GrandTotal         decimal.Decimal                    `json:"grand_total"`
	CreatedAt          string                             `json:"created_at"`
	UpdatedAt          string                             `json:"updated_at"`
}

func toOrderResponse(o *model.Order) orderResponse {
	return orderResponse{
		ID:                 o.ID,
		Status:             string(o.Status),
		DesignStatus:       string(o.DesignStatus),
		Items:              o.Items,
		StockUsage:         o.StockUsage,
		ProcurementDetails: o.ProcurementDetails,
		InvoiceURL:         o.InvoiceURL,
		WaybillURL:         o.WaybillURL,
		PackagingType:      o.PackagingType,
		PackagingCount:     o.PackagingCount,
		PackageNumber:      o.PackageNumber,
		VehiclePlate:       o.VehiclePlate,
		TrailerPlate:       o.TrailerPlate,
		AdditionalDocURL:   o.AdditionalDocURL,
		Subtotal:           o.Subtotal,
		VATTotal:           o.VATTotal,
		GrandTotal:         o.GrandTotal,
		CreatedAt:          o.CreatedAt.Format(time.RFC3339),
		UpdatedAt:          o.UpdatedAt.Format(time.RFC3339),
	}
}

// CreateOrder создаёт новый заказ.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if len(req.Items) == 0 {
		http.Error(w, "order must contain at least one item", http.StatusBadRequest)
		return
	}

	o, err := h.service.CreateOrder(r.Context(), req.Items, req.toSurcharges())
	if err != nil {
		h.writeError(w, err, "create order")
		return
	}

	h.writeJSON(w, http.StatusCreated, toOrderResponse(o))
}

// GetOrder возвращает заказ по идентификатору.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.service.GetOrder(r.Context(), orderID(r))
	if err != nil {
		h.writeError(w, err, "get order")
		return
	}

	h.writeJSON(w, http.StatusOK, toOrderResponse(o))
}

// ListOrders возвращает рабочую очередь роли текущего актора.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetActorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orders, err := h.service.ListOrdersForRole(r.Context(), actor.Role)
	if err != nil {
		h.writeError(w, err, "list orders")
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, toOrderResponse(&orders[i]))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

type transitionRequest struct {
	Target             string                             `json:"target"`
	InvoiceURL         string                             `json:"invoice_url"`
	WaybillURL         string                             `json:"waybill_url"`
	PackagingType      string                             `json:"packaging_type"`
	PackagingCount     int                                `json:"packaging_count"`
	PackageNumber      string                             `json:"package_number"`
	VehiclePlate       string                             `json:"vehicle_plate"`
	TrailerPlate       string                             `json:"trailer_plate"`
	AdditionalDocURL   string                             `json:"additional_doc_url"`
	DesignStatus       string                             `json:"design_status"`
	ProcurementDetails map[string]model.ProcurementDetail `json:"procurement_details"`
}

// RequestTransition переводит заказ в целевой статус от имени роли актора.
func (h *Handler) RequestTransition(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetActorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Target == "" {
		http.Error(w, "target status required", http.StatusBadRequest)
		return
	}

	p := status.Payload{
		InvoiceURL:         req.InvoiceURL,
		WaybillURL:         req.WaybillURL,
		PackagingType:      req.PackagingType,
		PackagingCount:     req.PackagingCount,
		PackageNumber:      req.PackageNumber,
		VehiclePlate:       req.VehiclePlate,
		TrailerPlate:       req.TrailerPlate,
		AdditionalDocURL:   req.AdditionalDocURL,
		DesignStatus:       model.DesignStatus(req.DesignStatus),
		ProcurementDetails: req.ProcurementDetails,
	}

	o, err := h.service.RequestTransition(r.Context(), actor.Role, orderID(r), model.OrderStatus(req.Target), p)
	if err != nil {
		h.writeError(w, err, "request transition")
		return
	}

	h.writeJSON(w, http.StatusOK, toOrderResponse(o))
}

type updateItemsRequest struct {
	Items []model.OrderItem `json:"items"`
	surchargesRequest
}

// UpdateOrderItems заменяет позиции заказа; итоги пересчитываются на сервере.
func (h *Handler) UpdateOrderItems(w http.ResponseWriter, r *http.Request) {
	var req updateItemsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	o, err := h.service.UpdateOrderItems(r.Context(), orderID(r), req.Items, req.toSurcharges())
	if err != nil {
		h.writeError(w, err, "update order items")
		return
	}

	h.writeJSON(w, http.StatusOK, toOrderResponse(o))
}

type documentsRequest struct {
	InvoiceURL       string `json:"invoice_url"`
	WaybillURL       string `json:"waybill_url"`
	AdditionalDocURL string `json:"additional_doc_url"`
}

// AttachDocuments записывает ссылки на загруженные документы. Повтор безвреден.
func (h *Handler) AttachDocuments(w http.ResponseWriter, r *http.Request) {
	var req documentsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.AttachDocuments(r.Context(), orderID(r), req.InvoiceURL, req.WaybillURL, req.AdditionalDocURL); err != nil {
		h.writeError(w, err, "attach documents")
		return
	}

	w.WriteHeader(http.StatusOK)
}

type allocateRequest struct {
	Selections     map[string]decimal.Decimal `json:"selections"`
	IdempotencyKey string                     `json:"idempotency_key"`
}

// AllocateStock списывает выбранное сырьё под заказ.
func (h *Handler) AllocateStock(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if len(req.Selections) == 0 {
		http.Error(w, "selections required", http.StatusBadRequest)
		return
	}

	if err := h.service.AllocateStock(r.Context(), orderID(r), req.Selections, req.IdempotencyKey); err != nil {
		h.writeError(w, err, "allocate stock")
		return
	}

	w.WriteHeader(http.StatusOK)
}

// ReverseAllocation возвращает на склад списанное под заказ количество.
func (h *Handler) ReverseAllocation(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ReverseAllocation(r.Context(), orderID(r), itemID(r)); err != nil {
		h.writeError(w, err, "reverse allocation")
		return
	}

	w.WriteHeader(http.StatusOK)
}

type shipmentRequest struct {
	Lines           map[string]decimal.Decimal `json:"lines"`
	OverrideNoStock bool                       `json:"override_no_stock"`
}

// ReconcileShipment сверяет отгрузку с остатком готовой продукции заказа.
func (h *Handler) ReconcileShipment(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetActorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req shipmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if len(req.Lines) == 0 {
		http.Error(w, "shipment lines required", http.StatusBadRequest)
		return
	}

	o, err := h.service.ReconcileShipment(r.Context(), actor.Role, orderID(r), req.Lines, req.OverrideNoStock)
	if err != nil {
		h.writeError(w, err, "reconcile shipment")
		return
	}

	h.writeJSON(w, http.StatusOK, toOrderResponse(o))
}

type stockItemRequest struct {
	StockNumber  string           `json:"stock_number"`
	Company      string           `json:"company"`
	Product      string           `json:"product"`
	Quantity     decimal.Decimal  `json:"quantity"`
	Unit         string           `json:"unit"`
	Category     string           `json:"category"`
	MinStock     *decimal.Decimal `json:"min_stock"`
	ConfirmMerge bool             `json:"confirm_merge"`
}

type stockItemResponse struct {
	ID          string           `json:"id"`
	StockNumber string           `json:"stock_number"`
	Company     string           `json:"company,omitempty"`
	Product     string           `json:"product,omitempty"`
	Quantity    decimal.Decimal  `json:"quantity"`
	Unit        string           `json:"unit,omitempty"`
	Category    string           `json:"category"`
	MinStock    *decimal.Decimal `json:"min_stock,omitempty"`
	Merged      bool             `json:"merged,omitempty"`
}

func toStockItemResponse(item *model.StockItem, merged bool) stockItemResponse {
	return stockItemResponse{
		ID:          item.ID,
		StockNumber: item.StockNumber,
		Company:     item.Company,
		Product:     item.Product,
		Quantity:    item.Quantity,
		Unit:        item.Unit,
		Category:    string(item.Category),
		MinStock:    item.MinStock,
		Merged:      merged,
	}
}

// AddStockItem создаёт складскую позицию либо сливает её с существующей.
func (h *Handler) AddStockItem(w http.ResponseWriter, r *http.Request) {
	var req stockItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	item := model.StockItem{
		StockNumber: req.StockNumber,
		Company:     req.Company,
		Product:     req.Product,
		Quantity:    req.Quantity,
		Unit:        req.Unit,
		Category:    model.StockCategory(req.Category),
		MinStock:    req.MinStock,
	}

	stored, merged, err := h.service.AddStockItem(r.Context(), item, req.ConfirmMerge)
	if err != nil {
		h.writeError(w, err, "add stock item")
		return
	}

	code := http.StatusCreated
	if merged {
		code = http.StatusOK
	}
	h.writeJSON(w, code, toStockItemResponse(stored, merged))
}

// ListStock возвращает все складские позиции.
func (h *Handler) ListStock(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.ListStockItems(r.Context())
	if err != nil {
		h.writeError(w, err, "list stock")
		return
	}

	resp := make([]stockItemResponse, 0, len(items))
	for i := range items {
		resp = append(resp, toStockItemResponse(&items[i], false))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

type adjustRequest struct {
	Delta decimal.Decimal `json:"delta"`
}

// AdjustStock изменяет остаток позиции на произвольную дельту.
func (h *Handler) AdjustStock(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.AdjustStockQuantity(r.Context(), itemID(r), req.Delta); err != nil {
		h.writeError(w, err, "adjust stock")
		return
	}

	w.WriteHeader(http.StatusOK)
}

// DeleteStock удаляет складскую позицию.
func (h *Handler) DeleteStock(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteStockItem(r.Context(), itemID(r)); err != nil {
		h.writeError(w, err, "delete stock")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type movementResponse struct {
	ID        string          `json:"id"`
	Delta     decimal.Decimal `json:"delta"`
	OrderID   string          `json:"order_id,omitempty"`
	Reason    string          `json:"reason"`
	CreatedAt string          `json:"created_at"`
}

// ListMovements возвращает журнал движений по складской позиции.
func (h *Handler) ListMovements(w http.ResponseWriter, r *http.Request) {
	movements, err := h.service.ListStockMovements(r.Context(), itemID(r))
	if err != nil {
		h.writeError(w, err, "list movements")
		return
	}

	resp := make([]movementResponse, 0, len(movements))
	for _, m := range movements {
		resp = append(resp, movementResponse{
			ID:        m.ID,
			Delta:     m.Delta,
			OrderID:   m.OrderID,
			Reason:    m.Reason,
			CreatedAt: m.CreatedAt.Format(time.RFC3339),
		})
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

// writeError сопоставляет ошибкам движка коды HTTP. Текст ошибки отдаётся
// вызывающей стороне как есть: он содержит идентификаторы и количества.
func (h *Handler) writeError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, repository.ErrOrderNotFound),
		errors.Is(err, repository.ErrNoSuchUsage):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, repository.ErrStockNotFound):
		// Для сверки отгрузки отсутствие складской записи разрешается
		// повторным запросом с override, поэтому это конфликт, а не 404.
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, repository.ErrInsufficientStock),
		errors.Is(err, repository.ErrOverShipment),
		errors.Is(err, repository.ErrDuplicateStockNumber),
		errors.Is(err, repository.ErrReferencedByOrder),
		errors.Is(err, repository.ErrStatusConflict),
		errors.Is(err, status.ErrIllegalStatus):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, status.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, status.ErrRoleNotAllowed):
		http.Error(w, err.Error(), http.StatusForbidden)
	default:
		h.logger.Error(op+" error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
