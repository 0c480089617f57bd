package service

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/ntikhonov/packtrack-system/internal/model"
	"github.com/ntikhonov/packtrack-system/internal/repository"
	"github.com/ntikhonov/packtrack-system/internal/status"
	"github.com/ntikhonov/packtrack-system/internal/totals"
)

func newTestService() (*Service, *repository.MemoryRepository) {
	repo := repository.NewMemoryRepository()
	return NewService(repo, nil, nil), repo
}

func testItems() []model.OrderItem {
	return []model.OrderItem{
		{
			ProductID: "p1",
			Quantity:  decimal.NewFromInt(100),
			UnitPrice: decimal.NewFromInt(10),
			VATRate:   decimal.NewFromInt(18),
		},
	}
}

func TestCreateOrder_ComputesTotals(t *testing.T) {
	svc, _ := newTestService()

	o, err := svc.CreateOrder(context.Background(), testItems(), totals.Surcharges{})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	if o.Status != model.StatusCreated {
		t.Fatalf("status = %s, want created", o.Status)
	}
	if !o.Subtotal.Equal(decimal.NewFromInt(1000)) || !o.VATTotal.Equal(decimal.NewFromInt(180)) || !o.GrandTotal.Equal(decimal.NewFromInt(1180)) {
		t.Fatalf("totals = %s/%s/%s, want 1000/180/1180", o.Subtotal, o.VATTotal, o.GrandTotal)
	}
}

// Полный проход заказа по конвейеру от создания до завершённой отгрузки.
func TestOrderLifecycle_FullWalk(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	o, err := svc.CreateOrder(ctx, testItems(), totals.Surcharges{})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	steps := []struct {
		role   model.Role
		target model.OrderStatus
		p      status.Payload
	}{
		{model.RoleSales, model.StatusOfferSent, status.Payload{}},
		{model.RoleSales, model.StatusOfferAccepted, status.Payload{}},
		{model.RoleSales, model.StatusWaitingManagerApproval, status.Payload{}},
		{model.RoleManager, model.StatusManagerApproved, status.Payload{}},
		{model.RoleDesign, model.StatusDesignWaiting, status.Payload{}},
		{model.RoleDesign, model.StatusDesignApproved, status.Payload{DesignStatus: model.DesignCompleted}},
		{model.RoleDesign, model.StatusSupplyDesignProcess, status.Payload{}},
		{model.RoleProcurement, model.StatusSupplyWaiting, status.Payload{}},
		{model.RoleProcurement, model.StatusProductionPending, status.Payload{
			ProcurementDetails: map[string]model.ProcurementDetail{
				"p1": {Plate: 100, Body: 100, Lid: 100, Bottom: 100},
			},
		}},
		{model.RoleProduction, model.StatusProductionPlanned, status.Payload{}},
		{model.RoleProduction, model.StatusProductionStarted, status.Payload{}},
		{model.RoleProduction, model.StatusProductionCompleted, status.Payload{}},
		{model.RoleAccounting, model.StatusInvoiceWaiting, status.Payload{}},
	}

	for _, step := range steps {
		if _, err := svc.RequestTransition(ctx, step.role, o.ID, step.target, step.p); err != nil {
			t.Fatalf("transition to %s: %v", step.target, err)
		}
	}

	// Готовая продукция учитывается под складским номером, равным id заказа.
	finished := model.StockItem{
		StockNumber: o.ID,
		Product:     "boxes",
		Quantity:    decimal.NewFromInt(100),
		Category:    model.CategoryFinished,
	}
	if _, _, err := svc.AddStockItem(ctx, finished, false); err != nil {
		t.Fatalf("add finished stock: %v", err)
	}

	if err := svc.AttachDocuments(ctx, o.ID, "https://files/invoice.pdf", "", ""); err != nil {
		t.Fatalf("attach documents: %v", err)
	}

	shipped, err := svc.ReconcileShipment(ctx, model.RoleAccounting, o.ID,
		map[string]decimal.Decimal{"p1": decimal.NewFromInt(100)}, false)
	if err != nil {
		t.Fatalf("reconcile shipment: %v", err)
	}
	if shipped.Status != model.StatusInvoiceAdded {
		t.Fatalf("status after reconcile = %s, want invoice_added", shipped.Status)
	}

	if _, err := svc.RequestTransition(ctx, model.RoleLogistics, o.ID, model.StatusShippingWaiting, status.Payload{}); err != nil {
		t.Fatalf("transition to shipping_waiting: %v", err)
	}

	// Нулевое количество упаковок отклоняется без смены статуса.
	_, err = svc.RequestTransition(ctx, model.RoleLogistics, o.ID, model.StatusShippingCompleted, status.Payload{
		PackagingType: "pallet",
		PackageNumber: "PKG-1",
		VehiclePlate:  "34XYZ99",
	})
	if !errors.Is(err, status.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for zero packaging count, got %v", err)
	}
	stored, _ := repo.GetOrder(ctx, o.ID)
	if stored.Status != model.StatusShippingWaiting {
		t.Fatalf("status must stay shipping_waiting, got %s", stored.Status)
	}

	final, err := svc.RequestTransition(ctx, model.RoleLogistics, o.ID, model.StatusShippingCompleted, status.Payload{
		PackagingType:  "pallet",
		PackagingCount: 5,
		PackageNumber:  "PKG-1",
		VehiclePlate:   "34XYZ99",
	})
	if err != nil {
		t.Fatalf("complete shipping: %v", err)
	}
	if final.Status != model.StatusShippingCompleted {
		t.Fatalf("final status = %s, want shipping_completed", final.Status)
	}
}

func TestRequestTransition_RoleDenied(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	o, _ := svc.CreateOrder(ctx, testItems(), totals.Surcharges{})

	_, err := svc.RequestTransition(ctx, model.RoleLogistics, o.ID, model.StatusOfferSent, status.Payload{})
	if !errors.Is(err, status.ErrRoleNotAllowed) {
		t.Fatalf("expected ErrRoleNotAllowed, got %v", err)
	}
}

func TestRequestTransition_InvoiceAddedGoesThroughReconcile(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	o, _ := svc.CreateOrder(ctx, testItems(), totals.Surcharges{})

	_, err := svc.RequestTransition(ctx, model.RoleAccounting, o.ID, model.StatusInvoiceAdded, status.Payload{})
	if !errors.Is(err, status.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestReconcileShipment_OverShipmentLeavesStateUnchanged(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	o, _ := svc.CreateOrder(ctx, testItems(), totals.Surcharges{})

	// Доводим заказ до invoice_waiting напрямую через хранилище.
	upd, _ := repo.GetOrder(ctx, o.ID)
	upd.Status = model.StatusInvoiceWaiting
	upd.InvoiceURL = "https://files/invoice.pdf"
	if err := repo.CommitTransition(ctx, upd, model.StatusCreated); err != nil {
		t.Fatalf("prepare order: %v", err)
	}

	item, _, err := svc.AddStockItem(ctx, model.StockItem{
		StockNumber: o.ID,
		Quantity:    decimal.NewFromInt(30),
		Category:    model.CategoryFinished,
	}, false)
	if err != nil {
		t.Fatalf("add stock: %v", err)
	}

	_, err = svc.ReconcileShipment(ctx, model.RoleAccounting, o.ID,
		map[string]decimal.Decimal{"p1": decimal.NewFromInt(40)}, false)
	if !errors.Is(err, repository.ErrOverShipment) {
		t.Fatalf("expected ErrOverShipment, got %v", err)
	}

	got, _ := svc.GetStockItem(ctx, item.ID)
	if !got.Quantity.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("stock must be unchanged, got %s", got.Quantity)
	}
	stored, _ := repo.GetOrder(ctx, o.ID)
	if stored.Status != model.StatusInvoiceWaiting {
		t.Fatalf("status must stay invoice_waiting, got %s", stored.Status)
	}
}

func TestReconcileShipment_RequiresInvoice(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	o, _ := svc.CreateOrder(ctx, testItems(), totals.Surcharges{})

	upd, _ := repo.GetOrder(ctx, o.ID)
	upd.Status = model.StatusInvoiceWaiting
	if err := repo.CommitTransition(ctx, upd, model.StatusCreated); err != nil {
		t.Fatalf("prepare order: %v", err)
	}

	_, err := svc.ReconcileShipment(ctx, model.RoleAccounting, o.ID,
		map[string]decimal.Decimal{"p1": decimal.NewFromInt(10)}, true)
	if !errors.Is(err, status.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition without invoice, got %v", err)
	}
}

func TestAllocateStock_RejectsNonPositive(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	o, _ := svc.CreateOrder(ctx, testItems(), totals.Surcharges{})

	err := svc.AllocateStock(ctx, o.ID, map[string]decimal.Decimal{"s1": decimal.Zero}, "")
	if err == nil {
		t.Fatalf("expected error for zero allocation quantity")
	}

	err = svc.AllocateStock(ctx, o.ID, nil, "")
	if err == nil {
		t.Fatalf("expected error for empty selection")
	}
}

func TestUpdateOrderItems_RecomputesTotals(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	o, _ := svc.CreateOrder(ctx, testItems(), totals.Surcharges{})

	updated, err := svc.UpdateOrderItems(ctx, o.ID, []model.OrderItem{
		{
			ProductID: "p1",
			Quantity:  decimal.NewFromInt(10),
			UnitPrice: decimal.NewFromInt(5),
			VATRate:   decimal.NewFromInt(8),
		},
	}, totals.Surcharges{
		ShippingPrice:   decimal.NewFromInt(100),
		ShippingVATRate: decimal.NewFromInt(18),
	})
	if err != nil {
		t.Fatalf("update items: %v", err)
	}

	// 50 + 100 = 150; НДС 4 + 18 = 22.
	if !updated.Subtotal.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("subtotal = %s, want 150", updated.Subtotal)
	}
	if !updated.VATTotal.Equal(decimal.NewFromInt(22)) {
		t.Fatalf("vat total = %s, want 22", updated.VATTotal)
	}
	if !updated.GrandTotal.Equal(decimal.NewFromInt(172)) {
		t.Fatalf("grand total = %s, want 172", updated.GrandTotal)
	}
}

func TestListOrdersForRole(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.CreateOrder(ctx, testItems(), totals.Surcharges{}); err != nil {
		t.Fatalf("create order: %v", err)
	}

	orders, err := svc.ListOrdersForRole(ctx, model.RoleSales)
	if err != nil {
		t.Fatalf("list for sales: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("sales queue length = %d, want 1", len(orders))
	}

	orders, err = svc.ListOrdersForRole(ctx, model.RoleLogistics)
	if err != nil {
		t.Fatalf("list for logistics: %v", err)
	}
	if len(orders) != 0 {
		t.Fatalf("logistics queue must be empty, got %d", len(orders))
	}

	if _, err := svc.ListOrdersForRole(ctx, model.Role("intern")); err == nil {
		t.Fatalf("expected error for unknown role")
	}
}

func TestAdjustStockQuantity_ZeroDelta(t *testing.T) {
	svc, _ := newTestService()

	if err := svc.AdjustStockQuantity(context.Background(), "s1", decimal.Zero); err == nil {
		t.Fatalf("expected error for zero delta")
	}
}
