package service

import (
	"fmt"
	"strings"

	"github.com/utafrali/promotion-engine/internal/domain"
	apperrors "github.com/utafrali/promotion-engine/pkg/errors"
	"github.com/utafrali/promotion-engine/pkg/validator"
)

// validateRequest runs the tag rules, then the cross-field money checks the
// tags cannot express. requireOrder is set for Apply.
func validateRequest(req *domain.Request, requireOrder bool) error {
	if req == nil {
		return apperrors.InvalidInput("request body is required")
	}
	if err := validator.Validate(req); err != nil {
		return err
	}

	fields := make(map[string]string)
	cart := &req.Cart
	currency := cart.TotalAmount.Currency

	if currency == "" {
		fields["cart.totalAmount.currency"] = "is required"
	}
	checkCurrency := func(path string, m domain.Money) {
		if currency != "" && m.Currency != "" && m.Currency != currency {
			fields[path] = fmt.Sprintf("must be %s like cart.totalAmount", currency)
		}
	}
	checkCurrency("cart.subtotal.currency", cart.Subtotal)
	checkCurrency("cart.deliveryFee.currency", cart.DeliveryFee)

	var itemsTotal int64
	for i, item := range cart.Items {
		checkCurrency(fmt.Sprintf("cart.items[%d].unitPrice.currency", i), item.UnitPrice)
		checkCurrency(fmt.Sprintf("cart.items[%d].totalPrice.currency", i), item.TotalPrice)
		itemsTotal += item.TotalPrice.Amount
	}

	if cart.Subtotal.Amount != itemsTotal {
		fields["cart.subtotal"] = fmt.Sprintf("must equal the sum of item totals (%d)", itemsTotal)
	}
	if want := cart.Subtotal.Amount + cart.DeliveryFee.Amount; cart.TotalAmount.Amount != want {
		fields["cart.totalAmount"] = fmt.Sprintf("must equal subtotal plus deliveryFee (%d)", want)
	}

	for i, code := range req.CouponCodes {
		if strings.TrimSpace(code) == "" {
			fields[fmt.Sprintf("couponCodes[%d]", i)] = "must not be blank"
		}
	}

	if requireOrder && strings.TrimSpace(req.OrderID) == "" {
		fields["orderId"] = "is required"
	}

	if len(fields) > 0 {
		return apperrors.Validation(fields)
	}
	return nil
}
