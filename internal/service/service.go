// Package service реализует бизнес-логику движка жизненного цикла заказов.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ntikhonov/packtrack-system/internal/model"
	"github.com/ntikhonov/packtrack-system/internal/notification"
	"github.com/ntikhonov/packtrack-system/internal/status"
	"github.com/ntikhonov/packtrack-system/internal/totals"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error

	CreateOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	ListOrdersByStatuses(ctx context.Context, statuses []model.OrderStatus) ([]model.Order, error)
	CommitTransition(ctx context.Context, o *model.Order, from model.OrderStatus) error
	UpdateOrderItems(ctx context.Context, o *model.Order) error
	SetOrderDocuments(ctx context.Context, orderID, invoiceURL, waybillURL, additionalDocURL string) error

	AllocateStock(ctx context.Context, orderID string, selections map[string]decimal.Decimal, idempotencyKey string) error
	ReverseAllocation(ctx context.Context, orderID, itemID string) error
	ReconcileShipment(ctx context.Context, o *model.Order, total decimal.Decimal, override bool) error

	CreateStockItem(ctx context.Context, item *model.StockItem, confirmMerge bool) (bool, error)
	GetStockItem(ctx context.Context, id string) (*model.StockItem, error)
	ListStockItems(ctx context.Context) ([]model.StockItem, error)
	AdjustStock(ctx context.Context, itemID string, delta decimal.Decimal, reason, orderID string) error
	DeleteStockItem(ctx context.Context, itemID string) error
	ListMovements(ctx context.Context, itemID string) ([]model.StockMovement, error)
}

// Service связывает машину состояний, складской реестр и хранилище.
type Service struct {
	repo     Repository
	notifier *notification.Client
	logger   *zap.Logger
}

// NewService создаёт сервис с указанным хранилищем и клиентом оповещений.
func NewService(repo Repository, notifier *notification.Client, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:     repo,
		notifier: notifier,
		logger:   logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// CreateOrder создаёт заказ в начальном статусе и сразу выводит итоги по позициям.
func (s *Service) CreateOrder(ctx context.Context, items []model.OrderItem, surcharges totals.Surcharges) (*model.Order, error) {
	if err := validateItems(items); err != nil {
		return nil, err
	}

	now := time.Now()
	t := totals.Compute(items, surcharges)

	o := &model.Order{
		ID:                 uuid.NewString(),
		Status:             model.StatusCreated,
		DesignStatus:       model.DesignOpen,
		Items:              items,
		StockUsage:         make(map[string]decimal.Decimal),
		ProcurementDetails: make(map[string]model.ProcurementDetail),
		GofrePrice:         surcharges.GofrePrice,
		GofreVATRate:       surcharges.GofreVATRate,
		ShippingPrice:      surcharges.ShippingPrice,
		ShippingVATRate:    surcharges.ShippingVATRate,
		Subtotal:           t.Subtotal,
		VATTotal:           t.VATTotal,
		GrandTotal:         t.GrandTotal,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := s.repo.CreateOrder(ctx, o); err != nil {
		return nil, err
	}

	return o, nil
}

// GetOrder возвращает заказ по идентификатору.
func (s *Service) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.repo.GetOrder(ctx, id)
}

// ListOrdersForRole возвращает заказы, ожидающие действия указанной роли.
// Очередь выводится из статусов заново при каждом чтении, без кэширования.
func (s *Service) ListOrdersForRole(ctx context.Context, role model.Role) ([]model.Order, error) {
	statuses := status.StatusesForRole(role)
	if len(statuses) == 0 {
		return nil, fmt.Errorf("unknown role: %s", role)
	}
	return s.repo.ListOrdersByStatuses(ctx, statuses)
}

// RequestTransition выполняет переход заказа в целевой статус от имени роли.
// Переход в invoice_added идёт только через сверку отгрузки (ReconcileShipment),
// поскольку требует согласованного списания готовой продукции.
func (s *Service) RequestTransition(ctx context.Context, role model.Role, orderID string, target model.OrderStatus, p status.Payload) (*model.Order, error) {
	if target == model.StatusInvoiceAdded {
		return nil, fmt.Errorf("%w: invoice_added requires shipment reconciliation", status.ErrInvalidTransition)
	}

	if err := status.CheckRole(role, target); err != nil {
		return nil, err
	}

	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if err := status.Check(o, target, p); err != nil {
		return nil, err
	}

	from := o.Status
	status.Apply(o, p)
	o.Status = target
	o.UpdatedAt = time.Now()

	if err := s.repo.CommitTransition(ctx, o, from); err != nil {
		return nil, err
	}

	s.notifyStatus(o.ID, target)
	return o, nil
}

// AllocateStock списывает выбранное сырьё под заказ. Партия неделима, повтор
// с тем же ключом идемпотентности не приводит к двойному списанию.
func (s *Service) AllocateStock(ctx context.Context, orderID string, selections map[string]decimal.Decimal, idempotencyKey string) error {
	if len(selections) == 0 {
		return fmt.Errorf("empty stock selection for order %s", orderID)
	}
	for itemID, qty := range selections {
		if !qty.IsPositive() {
			return fmt.Errorf("allocation quantity must be positive: item %s, got %s", itemID, qty)
		}
	}

	return s.repo.AllocateStock(ctx, orderID, selections, idempotencyKey)
}

// ReverseAllocation возвращает на склад ровно то, что было списано под заказ
// по указанной позиции.
func (s *Service) ReverseAllocation(ctx context.Context, orderID, itemID string) error {
	return s.repo.ReverseAllocation(ctx, orderID, itemID)
}

// ReconcileShipment сверяет отгружаемые количества с остатком готовой продукции
// заказа и переводит его в invoice_added. Без складской записи готовой продукции
// операция проходит только с явным подтверждением override.
func (s *Service) ReconcileShipment(ctx context.Context, role model.Role, orderID string, perLine map[string]decimal.Decimal, override bool) (*model.Order, error) {
	if err := status.CheckRole(role, model.StatusInvoiceAdded); err != nil {
		return nil, err
	}
	if len(perLine) == 0 {
		return nil, fmt.Errorf("empty shipment quantities for order %s", orderID)
	}

	total := decimal.Zero
	for lineID, qty := range perLine {
		if qty.IsNegative() {
			return nil, fmt.Errorf("shipment quantity must not be negative: line %s, got %s", lineID, qty)
		}
		total = total.Add(qty)
	}

	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if err := status.Check(o, model.StatusInvoiceAdded, status.Payload{}); err != nil {
		return nil, err
	}

	if err := s.repo.ReconcileShipment(ctx, o, total, override); err != nil {
		return nil, err
	}

	s.notifyStatus(o.ID, model.StatusInvoiceAdded)
	return s.repo.GetOrder(ctx, orderID)
}

// UpdateOrderItems заменяет позиции и надбавки заказа и пересчитывает итоги.
// Итоговые суммы от вызывающей стороны не принимаются никогда.
func (s *Service) UpdateOrderItems(ctx context.Context, orderID string, items []model.OrderItem, surcharges totals.Surcharges) (*model.Order, error) {
	if err := validateItems(items); err != nil {
		return nil, err
	}

	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	t := totals.Compute(items, surcharges)

	o.Items = items
	o.GofrePrice = surcharges.GofrePrice
	o.GofreVATRate = surcharges.GofreVATRate
	o.ShippingPrice = surcharges.ShippingPrice
	o.ShippingVATRate = surcharges.ShippingVATRate
	o.Subtotal = t.Subtotal
	o.VATTotal = t.VATTotal
	o.GrandTotal = t.GrandTotal
	o.UpdatedAt = time.Now()

	if err := s.repo.UpdateOrderItems(ctx, o); err != nil {
		return nil, err
	}

	return o, nil
}

// AttachDocuments идемпотентно записывает ссылки на загруженные документы.
// Вызывается по завершении внешней загрузки, никаких блокировок не держит.
func (s *Service) AttachDocuments(ctx context.Context, orderID, invoiceURL, waybillURL, additionalDocURL string) error {
	return s.repo.SetOrderDocuments(ctx, orderID, invoiceURL, waybillURL, additionalDocURL)
}

// AddStockItem создаёт складскую позицию. При занятом складском номере и
// подтверждённом слиянии количество прибавляется к существующей позиции.
func (s *Service) AddStockItem(ctx context.Context, item model.StockItem, confirmMerge bool) (*model.StockItem, bool, error) {
	if item.StockNumber == "" {
		return nil, false, errors.New("stock number must not be empty")
	}
	if item.Quantity.IsNegative() {
		return nil, false, fmt.Errorf("stock quantity must not be negative, got %s", item.Quantity)
	}
	if item.Category != model.CategoryProcurement && item.Category != model.CategoryFinished {
		return nil, false, fmt.Errorf("unknown stock category: %s", item.Category)
	}

	now := time.Now()
	item.ID = uuid.NewString()
	item.CreatedAt = now
	item.UpdatedAt = now

	merged, err := s.repo.CreateStockItem(ctx, &item, confirmMerge)
	if err != nil {
		return nil, false, err
	}

	stored, err := s.repo.GetStockItem(ctx, item.ID)
	if err != nil {
		return nil, merged, err
	}

	return stored, merged, nil
}

// GetStockItem возвращает складскую позицию.
func (s *Service) GetStockItem(ctx context.Context, id string) (*model.StockItem, error) {
	return s.repo.GetStockItem(ctx, id)
}

// ListStockItems возвращает все складские позиции.
func (s *Service) ListStockItems(ctx context.Context) ([]model.StockItem, error) {
	return s.repo.ListStockItems(ctx)
}

// AdjustStockQuantity изменяет остаток позиции на произвольную дельту.
func (s *Service) AdjustStockQuantity(ctx context.Context, itemID string, delta decimal.Decimal) error {
	if delta.IsZero() {
		return errors.New("adjustment delta must not be zero")
	}

	reason := model.MovementReplenish
	if delta.IsNegative() {
		reason = model.MovementCorrection
	}

	return s.repo.AdjustStock(ctx, itemID, delta, reason, "")
}

// DeleteStockItem удаляет позицию, если она не зарезервирована ни одним заказом.
func (s *Service) DeleteStockItem(ctx context.Context, itemID string) error {
	return s.repo.DeleteStockItem(ctx, itemID)
}

// ListStockMovements возвращает журнал движений по позиции.
func (s *Service) ListStockMovements(ctx context.Context, itemID string) ([]model.StockMovement, error) {
	return s.repo.ListMovements(ctx, itemID)
}

// notifyStatus отправляет событие о смене статуса после фиксации перехода.
// Отправка выполняется вне критической секции; сбой доставки не влияет на заказ.
func (s *Service) notifyStatus(orderID string, st model.OrderStatus) {
	if s.notifier == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.notifier.OrderStatusChanged(ctx, orderID, st); err != nil {
			s.logger.Warn("notification dispatch failed",
				zap.String("order", orderID), zap.String("status", string(st)), zap.Error(err))
		}
	}()
}

func validateItems(items []model.OrderItem) error {
	for _, item := range items {
		if item.ProductID == "" {
			return errors.New("order item product id must not be empty")
		}
		if item.Quantity.IsNegative() {
			return fmt.Errorf("order item quantity must not be negative: product %s", item.ProductID)
		}
		if item.UnitPrice.IsNegative() {
			return fmt.Errorf("order item unit price must not be negative: product %s", item.ProductID)
		}
	}
	return nil
}
