// Package model содержит доменные сущности системы управления заказами.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus описывает этап жизненного цикла заказа.
type OrderStatus string

const (
	StatusCreated                OrderStatus = "created"
	StatusOfferSent              OrderStatus = "offer_sent"
	StatusOfferCancelled         OrderStatus = "offer_cancelled"
	StatusOfferAccepted          OrderStatus = "offer_accepted"
	StatusWaitingManagerApproval OrderStatus = "waiting_manager_approval"
	StatusManagerApproved        OrderStatus = "manager_approved"
	StatusRevisionRequested      OrderStatus = "revision_requested"
	StatusDesignWaiting          OrderStatus = "design_waiting"
	StatusDesignApproved         OrderStatus = "design_approved"
	StatusSupplyDesignProcess    OrderStatus = "supply_design_process"
	StatusSupplyWaiting          OrderStatus = "supply_waiting"
	StatusProductionPending      OrderStatus = "production_pending"
	StatusProductionPlanned      OrderStatus = "production_planned"
	StatusProductionStarted      OrderStatus = "production_started"
	StatusProductionCompleted    OrderStatus = "production_completed"
	StatusInvoiceWaiting         OrderStatus = "invoice_waiting"
	StatusInvoiceAdded           OrderStatus = "invoice_added"
	StatusShippingWaiting        OrderStatus = "shipping_waiting"
	StatusShippingCompleted      OrderStatus = "shipping_completed"
)

// DesignStatus описывает состояние дизайнерских работ по заказу.
type DesignStatus string

const (
	DesignOpen      DesignStatus = "open"
	DesignCompleted DesignStatus = "completed"
)

// Role описывает роль сотрудника отдела, от имени которого выполняется запрос.
type Role string

const (
	RoleSales       Role = "sales"
	RoleManager     Role = "manager"
	RoleDesign      Role = "design"
	RoleProcurement Role = "procurement"
	RoleProduction  Role = "production"
	RoleAccounting  Role = "accounting"
	RoleLogistics   Role = "logistics"
)

// StockCategory различает сырьё и готовую продукцию на складе.
type StockCategory string

const (
	CategoryProcurement StockCategory = "procurement"
	CategoryFinished    StockCategory = "finished"
)

// OrderItem описывает позицию заказа.
type OrderItem struct {
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Unit        string          `json:"unit"`
	VATRate     decimal.Decimal `json:"vat_rate"`
}

// ProcurementDetail содержит количества заготовок, подобранных снабжением для одного продукта.
type ProcurementDetail struct {
	Plate  int `json:"plate"`
	Body   int `json:"body"`
	Lid    int `json:"lid"`
	Bottom int `json:"bottom"`
}

// Order описывает заказ и поля, которыми управляют отделы по ходу его жизненного цикла.
// Идентификатор заказа одновременно служит складским номером его готовой продукции.
type Order struct {
	ID           string
	Status       OrderStatus
	DesignStatus DesignStatus
	Items        []OrderItem

	// StockUsage хранит количества сырья, уже списанные со склада под этот заказ.
	// Записи добавляет только механизм резервирования, вызывающие стороны их не перезаписывают.
	StockUsage map[string]decimal.Decimal

	ProcurementDetails map[string]ProcurementDetail

	InvoiceURL       string
	WaybillURL       string
	PackagingType    string
	PackagingCount   int
	PackageNumber    string
	VehiclePlate     string
	TrailerPlate     string
	AdditionalDocURL string

	GofrePrice      decimal.Decimal
	GofreVATRate    decimal.Decimal
	ShippingPrice   decimal.Decimal
	ShippingVATRate decimal.Decimal

	// Производные суммы; пересчитываются калькулятором, напрямую не задаются.
	Subtotal   decimal.Decimal
	VATTotal   decimal.Decimal
	GrandTotal decimal.Decimal

	CreatedAt time.Time
	UpdatedAt time.Time
}

// StockItem описывает складскую позицию.
type StockItem struct {
	ID          string
	StockNumber string
	Company     string
	Product     string
	Quantity    decimal.Decimal
	Unit        string
	Category    StockCategory
	MinStock    *decimal.Decimal
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// StockMovement фиксирует одно изменение количества складской позиции.
// Журнал движений не изменяется задним числом и служит для сверки остатков.
type StockMovement struct {
	ID          string
	StockItemID string
	Delta       decimal.Decimal
	OrderID     string
	Reason      string
	CreatedAt   time.Time
}

// Причины записей в журнале движений.
const (
	MovementInitial    = "initial"
	MovementReplenish  = "replenish"
	MovementAllocate   = "allocate"
	MovementRestore    = "restore"
	MovementShipment   = "shipment"
	MovementMerge      = "merge"
	MovementCorrection = "correction"
)
