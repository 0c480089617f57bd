// Package status реализует машину состояний заказа: таблицу допустимых переходов,
// предусловия отдельных переходов и распределение статусов по ролям отделов.
package status

import (
	"errors"
	"fmt"

	"github.com/ntikhonov/packtrack-system/internal/model"
)

// ErrIllegalStatus возвращается, когда запрошенный переход структурно невозможен.
var (
	ErrIllegalStatus = errors.New("illegal status change")
	// ErrInvalidTransition возвращается, когда переход допустим, но предусловие не выполнено.
	ErrInvalidTransition = errors.New("transition precondition not met")
	// ErrRoleNotAllowed возвращается, когда роль не уполномочена запрашивать переход.
	ErrRoleNotAllowed = errors.New("role not allowed to request transition")
)

// Payload содержит поля, передаваемые отделом вместе с запросом перехода.
// Движок проверяет только наличие значений; содержимое URL и номеров непрозрачно.
type Payload struct {
	InvoiceURL         string
	WaybillURL         string
	PackagingType      string
	PackagingCount     int
	PackageNumber      string
	VehiclePlate       string
	TrailerPlate       string
	AdditionalDocURL   string
	DesignStatus       model.DesignStatus
	ProcurementDetails map[string]model.ProcurementDetail
}

// validNext задаёт однонаправленный конвейер статусов. Единственная петля —
// revision_requested, возвращающая заказ на вход дизайна.
var validNext = map[model.OrderStatus]map[model.OrderStatus]bool{
	model.StatusCreated:                {model.StatusOfferSent: true},
	model.StatusOfferSent:              {model.StatusOfferCancelled: true, model.StatusOfferAccepted: true},
	model.StatusOfferCancelled:         {},
	model.StatusOfferAccepted:          {model.StatusWaitingManagerApproval: true},
	model.StatusWaitingManagerApproval: {model.StatusManagerApproved: true, model.StatusRevisionRequested: true},
	model.StatusManagerApproved:        {model.StatusDesignWaiting: true},
	model.StatusRevisionRequested:      {model.StatusDesignWaiting: true},
	model.StatusDesignWaiting:          {model.StatusDesignApproved: true},
	model.StatusDesignApproved:         {model.StatusSupplyDesignProcess: true},
	model.StatusSupplyDesignProcess:    {model.StatusSupplyWaiting: true},
	model.StatusSupplyWaiting:          {model.StatusProductionPending: true},
	model.StatusProductionPending:      {model.StatusProductionPlanned: true},
	model.StatusProductionPlanned:      {model.StatusProductionStarted: true},
	model.StatusProductionStarted:      {model.StatusProductionCompleted: true},
	model.StatusProductionCompleted:    {model.StatusInvoiceWaiting: true},
	model.StatusInvoiceWaiting:         {model.StatusInvoiceAdded: true},
	model.StatusInvoiceAdded:           {model.StatusShippingWaiting: true},
	model.StatusShippingWaiting:        {model.StatusShippingCompleted: true},
	model.StatusShippingCompleted:      {},
}

// CanTransition сообщает, допустим ли переход между двумя статусами безотносительно предусловий.
func CanTransition(from, to model.OrderStatus) bool {
	return validNext[from][to]
}

// IsTerminal сообщает, является ли статус конечным.
func IsTerminal(s model.OrderStatus) bool {
	return len(validNext[s]) == 0
}

// Check проверяет запрошенный переход: сначала структурную допустимость,
// затем предусловие целевого статуса с учётом полей из payload. Порядок полей
// заказа не меняется; при ошибке заказ остаётся нетронутым.
func Check(order *model.Order, target model.OrderStatus, p Payload) error {
	if !CanTransition(order.Status, target) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalStatus, order.Status, target)
	}

	switch target {
	case model.StatusProductionPending:
		return checkProcurementComplete(order, p)
	case model.StatusProductionPlanned:
		return checkDesignCompleted(order, p)
	case model.StatusInvoiceAdded:
		return checkInvoicePresent(order, p)
	case model.StatusShippingCompleted:
		return checkPackagingComplete(order, p)
	}

	return nil
}

// checkProcurementComplete требует, чтобы для каждого продукта заказа была запись
// о заготовках. Нулевые количества допустимы (продукту может не требоваться крышка),
// отрицательные — нет.
func checkProcurementComplete(order *model.Order, p Payload) error {
	details := order.ProcurementDetails
	if p.ProcurementDetails != nil {
		details = p.ProcurementDetails
	}

	for _, item := range order.Items {
		d, ok := details[item.ProductID]
		if !ok {
			return fmt.Errorf("%w: no procurement details for product %s", ErrInvalidTransition, item.ProductID)
		}
		if d.Plate < 0 || d.Body < 0 || d.Lid < 0 || d.Bottom < 0 {
			return fmt.Errorf("%w: negative procurement counts for product %s", ErrInvalidTransition, item.ProductID)
		}
	}
	return nil
}

func checkDesignCompleted(order *model.Order, p Payload) error {
	ds := order.DesignStatus
	if p.DesignStatus != "" {
		ds = p.DesignStatus
	}
	if ds != model.DesignCompleted {
		return fmt.Errorf("%w: design work still open for order %s", ErrInvalidTransition, order.ID)
	}
	return nil
}

func checkInvoicePresent(order *model.Order, p Payload) error {
	url := order.InvoiceURL
	if p.InvoiceURL != "" {
		url = p.InvoiceURL
	}
	if url == "" {
		return fmt.Errorf("%w: invoice not uploaded for order %s", ErrInvalidTransition, order.ID)
	}
	return nil
}

func checkPackagingComplete(order *model.Order, p Payload) error {
	typ := order.PackagingType
	if p.PackagingType != "" {
		typ = p.PackagingType
	}
	count := order.PackagingCount
	if p.PackagingCount != 0 {
		count = p.PackagingCount
	}
	number := order.PackageNumber
	if p.PackageNumber != "" {
		number = p.PackageNumber
	}
	plate := order.VehiclePlate
	if p.VehiclePlate != "" {
		plate = p.VehiclePlate
	}

	if typ == "" || number == "" || plate == "" {
		return fmt.Errorf("%w: packaging fields incomplete for order %s", ErrInvalidTransition, order.ID)
	}
	if count <= 0 {
		return fmt.Errorf("%w: packaging count must be positive, got %d", ErrInvalidTransition, count)
	}
	return nil
}

// roleQueues задаёт статусы, заказы в которых ожидают действия конкретной роли.
var roleQueues = map[model.Role][]model.OrderStatus{
	model.RoleSales:       {model.StatusCreated, model.StatusOfferSent, model.StatusOfferCancelled},
	model.RoleManager:     {model.StatusWaitingManagerApproval},
	model.RoleDesign:      {model.StatusRevisionRequested, model.StatusDesignWaiting, model.StatusDesignApproved, model.StatusSupplyDesignProcess},
	model.RoleProcurement: {model.StatusSupplyWaiting},
	model.RoleProduction:  {model.StatusProductionPending, model.StatusProductionPlanned, model.StatusProductionStarted},
	model.RoleAccounting:  {model.StatusInvoiceWaiting},
	model.RoleLogistics:   {model.StatusShippingWaiting},
}

// StatusesForRole возвращает статусы рабочей очереди роли.
func StatusesForRole(role model.Role) []model.OrderStatus {
	return roleQueues[role]
}

// transitionOwner задаёт роль, уполномоченную запрашивать переход в целевой статус.
var transitionOwner = map[model.OrderStatus]model.Role{
	model.StatusOfferSent:              model.RoleSales,
	model.StatusOfferCancelled:         model.RoleSales,
	model.StatusOfferAccepted:          model.RoleSales,
	model.StatusWaitingManagerApproval: model.RoleSales,
	model.StatusManagerApproved:        model.RoleManager,
	model.StatusRevisionRequested:      model.RoleManager,
	model.StatusDesignWaiting:          model.RoleDesign,
	model.StatusDesignApproved:         model.RoleDesign,
	model.StatusSupplyDesignProcess:    model.RoleDesign,
	model.StatusSupplyWaiting:          model.RoleProcurement,
	model.StatusProductionPending:      model.RoleProcurement,
	model.StatusProductionPlanned:      model.RoleProduction,
	model.StatusProductionStarted:      model.RoleProduction,
	model.StatusProductionCompleted:    model.RoleProduction,
	model.StatusInvoiceWaiting:         model.RoleAccounting,
	model.StatusInvoiceAdded:           model.RoleAccounting,
	model.StatusShippingWaiting:        model.RoleLogistics,
	model.StatusShippingCompleted:      model.RoleLogistics,
}

// CheckRole проверяет, что роль уполномочена запрашивать переход в целевой статус.
func CheckRole(role model.Role, target model.OrderStatus) error {
	owner, ok := transitionOwner[target]
	if !ok {
		return fmt.Errorf("%w: no transitions lead to %s", ErrIllegalStatus, target)
	}
	if owner != role {
		return fmt.Errorf("%w: %s may not request %s", ErrRoleNotAllowed, role, target)
	}
	return nil
}

// Apply переносит поля payload на заказ. Вызывается после успешной проверки
// перехода; пустые значения payload не затирают уже заполненные поля заказа.
func Apply(order *model.Order, p Payload) {
	if p.InvoiceURL != "" {
		order.InvoiceURL = p.InvoiceURL
	}
	if p.WaybillURL != "" {
		order.WaybillURL = p.WaybillURL
	}
	if p.PackagingType != "" {
		order.PackagingType = p.PackagingType
	}
	if p.PackagingCount != 0 {
		order.PackagingCount = p.PackagingCount
	}
	if p.PackageNumber != "" {
		order.PackageNumber = p.PackageNumber
	}
	if p.VehiclePlate != "" {
		order.VehiclePlate = p.VehiclePlate
	}
	if p.TrailerPlate != "" {
		order.TrailerPlate = p.TrailerPlate
	}
	if p.AdditionalDocURL != "" {
		order.AdditionalDocURL = p.AdditionalDocURL
	}
	if p.DesignStatus != "" {
		order.DesignStatus = p.DesignStatus
	}
	if p.ProcurementDetails != nil {
		order.ProcurementDetails = p.ProcurementDetails
	}
}
