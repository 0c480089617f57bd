package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ntikhonov/packtrack-system/internal/model"
)

// MemoryRepository хранит заказы и склад в памяти. Реализует тот же контракт,
// что и PostgresRepository; используется в тестах и как подменяемое хранилище.
// Один мьютекс сериализует все изменения, поэтому проверка остатка и запись
// неразделимы так же, как в транзакции БД.
type MemoryRepository struct {
	mu sync.RWMutex

	orders    map[string]*model.Order
	stock     map[string]*model.StockItem
	movements []model.StockMovement
	allocKeys map[string]bool
}

// NewMemoryRepository создаёт пустое in-memory хранилище.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		orders:    make(map[string]*model.Order),
		stock:     make(map[string]*model.StockItem),
		allocKeys: make(map[string]bool),
	}
}

// Close освобождает ресурсы хранилища.
func (r *MemoryRepository) Close() error {
	return nil
}

// CreateOrder сохраняет новый заказ.
func (r *MemoryRepository) CreateOrder(_ context.Context, o *model.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.orders[o.ID]; ok {
		return fmt.Errorf("order already exists: %s", o.ID)
	}
	r.orders[o.ID] = cloneOrder(o)
	return nil
}

// GetOrder возвращает копию заказа.
func (r *MemoryRepository) GetOrder(_ context.Context, id string) (*model.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	return cloneOrder(o), nil
}

// ListOrdersByStatuses возвращает заказы в любом из перечисленных статусов.
func (r *MemoryRepository) ListOrdersByStatuses(_ context.Context, statuses []model.OrderStatus) ([]model.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wanted := make(map[model.OrderStatus]bool, len(statuses))
	for _, s := range statuses {
		wanted[s] = true
	}

	var res []model.Order
	for _, o := range r.orders {
		if wanted[o.Status] {
			res = append(res, *cloneOrder(o))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

// CommitTransition записывает новый статус и поля заказа с проверкой исходного статуса.
func (r *MemoryRepository) CommitTransition(_ context.Context, o *model.Order, from model.OrderStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.orders[o.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, o.ID)
	}
	if stored.Status != from {
		return fmt.Errorf("%w: %s", ErrStatusConflict, o.ID)
	}

	upd := cloneOrder(o)
	upd.StockUsage = stored.StockUsage
	r.orders[o.ID] = upd
	return nil
}

// UpdateOrderItems сохраняет позиции, надбавки и пересчитанные итоги заказа.
func (r *MemoryRepository) UpdateOrderItems(_ context.Context, o *model.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.orders[o.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, o.ID)
	}

	stored.Items = append([]model.OrderItem(nil), o.Items...)
	stored.GofrePrice = o.GofrePrice
	stored.GofreVATRate = o.GofreVATRate
	stored.ShippingPrice = o.ShippingPrice
	stored.ShippingVATRate = o.ShippingVATRate
	stored.Subtotal = o.Subtotal
	stored.VATTotal = o.VATTotal
	stored.GrandTotal = o.GrandTotal
	stored.UpdatedAt = o.UpdatedAt
	return nil
}

// SetOrderDocuments идемпотентно записывает ссылки на документы.
func (r *MemoryRepository) SetOrderDocuments(_ context.Context, orderID, invoiceURL, waybillURL, additionalDocURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if invoiceURL != "" {
		o.InvoiceURL = invoiceURL
	}
	if waybillURL != "" {
		o.WaybillURL = waybillURL
	}
	if additionalDocURL != "" {
		o.AdditionalDocURL = additionalDocURL
	}
	o.UpdatedAt = time.Now()
	return nil
}

// AllocateStock атомарно списывает партию сырья под заказ; при нехватке по
// любой позиции ни одно списание не применяется.
func (r *MemoryRepository) AllocateStock(_ context.Context, orderID string, selections map[string]decimal.Decimal, idempotencyKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if idempotencyKey != "" && r.allocKeys[idempotencyKey] {
		return nil
	}

	o, ok := r.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	// Сначала полная проверка партии, затем применение: частичных списаний нет.
	itemIDs := make([]string, 0, len(selections))
	for id := range selections {
		itemIDs = append(itemIDs, id)
	}
	sort.Strings(itemIDs)

	for _, itemID := range itemIDs {
		item, ok := r.stock[itemID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrStockNotFound, itemID)
		}
		if item.Quantity.LessThan(selections[itemID]) {
			return fmt.Errorf("%w: item %s has %s, requested %s",
				ErrInsufficientStock, itemID, item.Quantity, selections[itemID])
		}
	}

	for _, itemID := range itemIDs {
		qty := selections[itemID]
		item := r.stock[itemID]
		item.Quantity = item.Quantity.Sub(qty)
		item.UpdatedAt = time.Now()

		if o.StockUsage == nil {
			o.StockUsage = make(map[string]decimal.Decimal)
		}
		o.StockUsage[itemID] = o.StockUsage[itemID].Add(qty)
		r.recordMovement(itemID, qty.Neg(), orderID, model.MovementAllocate)
	}
	o.UpdatedAt = time.Now()

	if idempotencyKey != "" {
		r.allocKeys[idempotencyKey] = true
	}
	return nil
}

// ReverseAllocation возвращает на склад списанное под заказ количество.
func (r *MemoryRepository) ReverseAllocation(_ context.Context, orderID, itemID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	qty, ok := o.StockUsage[itemID]
	if !ok {
		return fmt.Errorf("%w: order %s, item %s", ErrNoSuchUsage, orderID, itemID)
	}

	item, ok := r.stock[itemID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrStockNotFound, itemID)
	}

	item.Quantity = item.Quantity.Add(qty)
	item.UpdatedAt = time.Now()
	delete(o.StockUsage, itemID)
	o.UpdatedAt = time.Now()
	r.recordMovement(itemID, qty, orderID, model.MovementRestore)
	return nil
}

// ReconcileShipment сверяет отгрузку с остатком готовой продукции и переводит
// заказ в invoice_added одним неделимым шагом.
func (r *MemoryRepository) ReconcileShipment(_ context.Context, o *model.Order, total decimal.Decimal, override bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.orders[o.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, o.ID)
	}
	if stored.Status != model.StatusInvoiceWaiting {
		return fmt.Errorf("%w: %s", ErrStatusConflict, o.ID)
	}

	var finished *model.StockItem
	for _, item := range r.stock {
		if item.StockNumber == o.ID && item.Category == model.CategoryFinished {
			finished = item
			break
		}
	}

	if finished == nil {
		if !override {
			return fmt.Errorf("%w: no finished stock under number %s", ErrStockNotFound, o.ID)
		}
	} else {
		if total.GreaterThan(finished.Quantity) {
			return fmt.Errorf("%w: order %s has %s in stock, requested %s",
				ErrOverShipment, o.ID, finished.Quantity, total)
		}
		finished.Quantity = finished.Quantity.Sub(total)
		finished.UpdatedAt = time.Now()
		r.recordMovement(finished.ID, total.Neg(), o.ID, model.MovementShipment)
	}

	stored.Status = model.StatusInvoiceAdded
	if o.InvoiceURL != "" {
		stored.InvoiceURL = o.InvoiceURL
	}
	stored.UpdatedAt = time.Now()
	return nil
}

// CreateStockItem добавляет позицию либо, при подтверждённом слиянии,
// прибавляет количество к существующей с тем же складским номером.
func (r *MemoryRepository) CreateStockItem(_ context.Context, item *model.StockItem, confirmMerge bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.stock {
		if existing.StockNumber == item.StockNumber && existing.Category == item.Category {
			if !confirmMerge {
				return false, fmt.Errorf("%w: %s in category %s", ErrDuplicateStockNumber, item.StockNumber, item.Category)
			}
			existing.Quantity = existing.Quantity.Add(item.Quantity)
			existing.UpdatedAt = time.Now()
			r.recordMovement(existing.ID, item.Quantity, "", model.MovementMerge)
			item.ID = existing.ID
			return true, nil
		}
	}

	cp := *item
	r.stock[item.ID] = &cp
	r.recordMovement(item.ID, item.Quantity, "", model.MovementInitial)
	return false, nil
}

// GetStockItem возвращает копию складской позиции.
func (r *MemoryRepository) GetStockItem(_ context.Context, id string) (*model.StockItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	item, ok := r.stock[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStockNotFound, id)
	}
	cp := *item
	return &cp, nil
}

// ListStockItems возвращает все складские позиции.
func (r *MemoryRepository) ListStockItems(_ context.Context) ([]model.StockItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res := make([]model.StockItem, 0, len(r.stock))
	for _, item := range r.stock {
		res = append(res, *item)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

// AdjustStock атомарно изменяет остаток позиции; уход в минус отклоняется.
func (r *MemoryRepository) AdjustStock(_ context.Context, itemID string, delta decimal.Decimal, reason, orderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.stock[itemID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrStockNotFound, itemID)
	}

	next := item.Quantity.Add(delta)
	if next.IsNegative() {
		return fmt.Errorf("%w: item %s has %s, requested %s",
			ErrInsufficientStock, itemID, item.Quantity, delta.Neg())
	}

	item.Quantity = next
	item.UpdatedAt = time.Now()
	r.recordMovement(itemID, delta, orderID, reason)
	return nil
}

// DeleteStockItem удаляет позицию, если на неё не ссылается ни один заказ.
func (r *MemoryRepository) DeleteStockItem(_ context.Context, itemID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.stock[itemID]; !ok {
		return fmt.Errorf("%w: %s", ErrStockNotFound, itemID)
	}

	for _, o := range r.orders {
		if qty, ok := o.StockUsage[itemID]; ok && !qty.IsZero() {
			return fmt.Errorf("%w: %s", ErrReferencedByOrder, itemID)
		}
	}

	delete(r.stock, itemID)
	return nil
}

// ListMovements возвращает журнал движений по позиции.
func (r *MemoryRepository) ListMovements(_ context.Context, itemID string) ([]model.StockMovement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var res []model.StockMovement
	for _, m := range r.movements {
		if m.StockItemID == itemID {
			res = append(res, m)
		}
	}
	return res, nil
}

func (r *MemoryRepository) recordMovement(itemID string, delta decimal.Decimal, orderID, reason string) {
	r.movements = append(r.movements, model.StockMovement{
		ID:          uuid.NewString(),
		StockItemID: itemID,
		Delta:       delta,
		OrderID:     orderID,
		Reason:      reason,
		CreatedAt:   time.Now(),
	})
}

func cloneOrder(o *model.Order) *model.Order {
	cp := *o
	cp.Items = append([]model.OrderItem(nil), o.Items...)

	if o.StockUsage != nil {
		cp.StockUsage = make(map[string]decimal.Decimal, len(o.StockUsage))
		for k, v := range o.StockUsage {
			cp.StockUsage[k] = v
		}
	}
	if o.ProcurementDetails != nil {
		cp.ProcurementDetails = make(map[string]model.ProcurementDetail, len(o.ProcurementDetails))
		for k, v := range o.ProcurementDetails {
			cp.ProcurementDetails[k] = v
		}
	}
	return &cp
}
