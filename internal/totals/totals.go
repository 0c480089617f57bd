// Package totals содержит чистую функцию пересчёта денежных итогов заказа.
package totals

import (
	"github.com/shopspring/decimal"

	"github.com/ntikhonov/packtrack-system/internal/model"
)

var hundred = decimal.NewFromInt(100)

// Surcharges содержит фиксированные надбавки заказа с их собственными ставками НДС.
type Surcharges struct {
	GofrePrice      decimal.Decimal
	GofreVATRate    decimal.Decimal
	ShippingPrice   decimal.Decimal
	ShippingVATRate decimal.Decimal
}

// Totals содержит пересчитанные итоги заказа.
type Totals struct {
	Subtotal   decimal.Decimal
	VATTotal   decimal.Decimal
	GrandTotal decimal.Decimal
}

// Compute пересчитывает итоги по позициям и надбавкам. Ставки НДС разнородны:
// каждая позиция и каждая надбавка облагается по своей ставке, без усреднения.
// Итоги всегда выводятся заново, значения от вызывающей стороны не принимаются.
func Compute(items []model.OrderItem, s Surcharges) Totals {
	subtotal := decimal.Zero
	vatTotal := decimal.Zero

	for _, item := range items {
		base := item.Quantity.Mul(item.UnitPrice)
		subtotal = subtotal.Add(base)
		vatTotal = vatTotal.Add(base.Mul(item.VATRate).Div(hundred))
	}

	subtotal = subtotal.Add(s.GofrePrice).Add(s.ShippingPrice)
	vatTotal = vatTotal.Add(s.GofrePrice.Mul(s.GofreVATRate).Div(hundred))
	vatTotal = vatTotal.Add(s.ShippingPrice.Mul(s.ShippingVATRate).Div(hundred))

	return Totals{
		Subtotal:   subtotal,
		VATTotal:   vatTotal,
		GrandTotal: subtotal.Add(vatTotal),
	}
}
