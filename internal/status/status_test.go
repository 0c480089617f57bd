package status

import (
	"errors"
	"testing"

	"github.com/ntikhonov/packtrack-system/internal/model"
)

var allStatuses = []model.OrderStatus{
	model.StatusCreated,
	model.StatusOfferSent,
	model.StatusOfferCancelled,
	model.StatusOfferAccepted,
	model.StatusWaitingManagerApproval,
	model.StatusManagerApproved,
	model.StatusRevisionRequested,
	model.StatusDesignWaiting,
	model.StatusDesignApproved,
	model.StatusSupplyDesignProcess,
	model.StatusSupplyWaiting,
	model.StatusProductionPending,
	model.StatusProductionPlanned,
	model.StatusProductionStarted,
	model.StatusProductionCompleted,
	model.StatusInvoiceWaiting,
	model.StatusInvoiceAdded,
	model.StatusShippingWaiting,
	model.StatusShippingCompleted,
}

// Конвейер однонаправленный: из каждого статуса допустимы только явно
// перечисленные переходы, все остальные пары отклоняются.
func TestTransitionMatrix(t *testing.T) {
	allowed := map[model.OrderStatus][]model.OrderStatus{
		model.StatusCreated:                {model.StatusOfferSent},
		model.StatusOfferSent:              {model.StatusOfferCancelled, model.StatusOfferAccepted},
		model.StatusOfferAccepted:          {model.StatusWaitingManagerApproval},
		model.StatusWaitingManagerApproval: {model.StatusManagerApproved, model.StatusRevisionRequested},
		model.StatusManagerApproved:        {model.StatusDesignWaiting},
		model.StatusRevisionRequested:      {model.StatusDesignWaiting},
		model.StatusDesignWaiting:          {model.StatusDesignApproved},
		model.StatusDesignApproved:         {model.StatusSupplyDesignProcess},
		model.StatusSupplyDesignProcess:    {model.StatusSupplyWaiting},
		model.StatusSupplyWaiting:          {model.StatusProductionPending},
		model.StatusProductionPending:      {model.StatusProductionPlanned},
		model.StatusProductionPlanned:      {model.StatusProductionStarted},
		model.StatusProductionStarted:      {model.StatusProductionCompleted},
		model.StatusProductionCompleted:    {model.StatusInvoiceWaiting},
		model.StatusInvoiceWaiting:         {model.StatusInvoiceAdded},
		model.StatusInvoiceAdded:           {model.StatusShippingWaiting},
		model.StatusShippingWaiting:        {model.StatusShippingCompleted},
	}

	for _, from := range allStatuses {
		allowedSet := make(map[model.OrderStatus]bool)
		for _, to := range allowed[from] {
			allowedSet[to] = true
		}

		for _, to := range allStatuses {
			got := CanTransition(from, to)
			if got != allowedSet[to] {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, allowedSet[to])
			}
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range allStatuses {
		want := s == model.StatusOfferCancelled || s == model.StatusShippingCompleted
		if IsTerminal(s) != want {
			t.Errorf("IsTerminal(%s) = %v, want %v", s, IsTerminal(s), want)
		}
	}
}

func TestCheck_IllegalStatus(t *testing.T) {
	o := &model.Order{ID: "o1", Status: model.StatusShippingCompleted}

	err := Check(o, model.StatusCreated, Payload{})
	if !errors.Is(err, ErrIllegalStatus) {
		t.Fatalf("expected ErrIllegalStatus, got %v", err)
	}
}

func TestCheck_ProcurementComplete(t *testing.T) {
	o := &model.Order{
		ID:     "o1",
		Status: model.StatusSupplyWaiting,
		Items: []model.OrderItem{
			{ProductID: "p1"},
			{ProductID: "p2"},
		},
	}

	err := Check(o, model.StatusProductionPending, Payload{
		ProcurementDetails: map[string]model.ProcurementDetail{
			"p1": {Plate: 10, Body: 10, Lid: 10, Bottom: 10},
		},
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for missing product details, got %v", err)
	}

	// Нулевые количества допустимы, отрицательные — нет.
	err = Check(o, model.StatusProductionPending, Payload{
		ProcurementDetails: map[string]model.ProcurementDetail{
			"p1": {Plate: 10},
			"p2": {Body: -1},
		},
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for negative counts, got %v", err)
	}

	err = Check(o, model.StatusProductionPending, Payload{
		ProcurementDetails: map[string]model.ProcurementDetail{
			"p1": {Plate: 10},
			"p2": {},
		},
	})
	if err != nil {
		t.Fatalf("expected zero counts to pass, got %v", err)
	}
}

func TestCheck_DesignGate(t *testing.T) {
	o := &model.Order{ID: "o1", Status: model.StatusProductionPending, DesignStatus: model.DesignOpen}

	err := Check(o, model.StatusProductionPlanned, Payload{})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition while design open, got %v", err)
	}

	o.DesignStatus = model.DesignCompleted
	if err := Check(o, model.StatusProductionPlanned, Payload{}); err != nil {
		t.Fatalf("expected transition to pass with design completed, got %v", err)
	}
}

func TestCheck_InvoicePresence(t *testing.T) {
	o := &model.Order{ID: "o1", Status: model.StatusInvoiceWaiting}

	err := Check(o, model.StatusInvoiceAdded, Payload{})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition without invoice, got %v", err)
	}

	if err := Check(o, model.StatusInvoiceAdded, Payload{InvoiceURL: "https://files/invoice.pdf"}); err != nil {
		t.Fatalf("expected transition to pass with invoice url, got %v", err)
	}
}

func TestCheck_PackagingComplete(t *testing.T) {
	o := &model.Order{ID: "o1", Status: model.StatusShippingWaiting}

	full := Payload{
		PackagingType: "box",
		PackageNumber: "PKG-7",
		VehiclePlate:  "34ABC123",
	}

	// packagingCount = 0 отклоняется, никакие другие поля это не компенсируют.
	err := Check(o, model.StatusShippingCompleted, full)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for zero packaging count, got %v", err)
	}

	full.PackagingCount = 5
	if err := Check(o, model.StatusShippingCompleted, full); err != nil {
		t.Fatalf("expected transition to pass, got %v", err)
	}

	missing := full
	missing.VehiclePlate = ""
	err = Check(o, model.StatusShippingCompleted, missing)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for missing vehicle plate, got %v", err)
	}
}

func TestCheckRole(t *testing.T) {
	if err := CheckRole(model.RoleLogistics, model.StatusShippingCompleted); err != nil {
		t.Fatalf("logistics must be allowed to complete shipping, got %v", err)
	}

	err := CheckRole(model.RoleSales, model.StatusShippingCompleted)
	if !errors.Is(err, ErrRoleNotAllowed) {
		t.Fatalf("expected ErrRoleNotAllowed, got %v", err)
	}

	err = CheckRole(model.RoleSales, model.StatusCreated)
	if !errors.Is(err, ErrIllegalStatus) {
		t.Fatalf("expected ErrIllegalStatus for initial status target, got %v", err)
	}
}

func TestStatusesForRole(t *testing.T) {
	covered := make(map[model.OrderStatus]bool)
	for _, role := range []model.Role{
		model.RoleSales, model.RoleManager, model.RoleDesign, model.RoleProcurement,
		model.RoleProduction, model.RoleAccounting, model.RoleLogistics,
	} {
		statuses := StatusesForRole(role)
		if len(statuses) == 0 {
			t.Errorf("role %s has empty work queue", role)
		}
		for _, s := range statuses {
			if covered[s] {
				t.Errorf("status %s belongs to more than one role queue", s)
			}
			covered[s] = true
		}
	}

	if StatusesForRole(model.Role("intern")) != nil {
		t.Fatalf("unknown role must have no queue")
	}
}
