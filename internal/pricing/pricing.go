// Package pricing computes cart line and order totals. It is pure: no store
// access, no clock, no logging.
package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"retailpdv/backend/internal/domain"
)

// Epsilon is the tolerance used when comparing monetary amounts.
var Epsilon = decimal.New(1, -2)

var (
	ErrInvalidLine     = errors.New("invalid cart line")
	ErrInvalidDiscount = errors.New("invalid discount")
	ErrEmptyCart       = errors.New("cart is empty")
)

var hundred = decimal.NewFromInt(100)

// Round rounds a monetary amount to cents, half away from zero.
func Round(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(2)
}

// DiscountAmount resolves a discount against base and clamps the result to
// [0, base].
func DiscountAmount(base decimal.Decimal, discount domain.Discount) (decimal.Decimal, error) {
	if discount.IsZero() {
		return decimal.Zero, nil
	}
	if discount.Value.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: negative value", ErrInvalidDiscount)
	}

	var amount decimal.Decimal
	switch discount.Type {
	case domain.DiscountPercentage:
		if discount.Value.GreaterThan(hundred) {
			return decimal.Zero, fmt.Errorf("%w: percentage above 100", ErrInvalidDiscount)
		}
		amount = base.Mul(discount.Value).Div(hundred)
	case domain.DiscountFixed:
		amount = discount.Value
	default:
		return decimal.Zero, fmt.Errorf("%w: unknown type %q", ErrInvalidDiscount, discount.Type)
	}

	amount = Round(amount)
	if amount.GreaterThan(base) {
		amount = base
	}
	if amount.IsNegative() {
		amount = decimal.Zero
	}
	return amount, nil
}

func QuoteLine(line domain.CartLine) (domain.LineQuote, error) {
	if line.ProductID == "" {
		return domain.LineQuote{}, fmt.Errorf("%w: product is required", ErrInvalidLine)
	}
	if line.Quantity < 1 {
		return domain.LineQuote{}, fmt.Errorf("%w: quantity must be positive", ErrInvalidLine)
	}
	if line.UnitPrice.IsNegative() {
		return domain.LineQuote{}, fmt.Errorf("%w: negative unit price", ErrInvalidLine)
	}

	unitPrice := Round(line.UnitPrice)
	gross := Round(unitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))))
	discount, err := DiscountAmount(gross, line.Discount)
	if err != nil {
		return domain.LineQuote{}, err
	}

	return domain.LineQuote{
		ProductID:      line.ProductID,
		Quantity:       line.Quantity,
		UnitPrice:      unitPrice,
		Gross:          gross,
		DiscountAmount: discount,
		Total:          gross.Sub(discount),
	}, nil
}

// QuoteCart prices every line, then applies the order-level discount to the
// sum of line totals. The total never goes below zero.
func QuoteCart(cart domain.Cart) (domain.CartQuote, error) {
	if len(cart.Lines) == 0 {
		return domain.CartQuote{}, ErrEmptyCart
	}

	quote := domain.CartQuote{
		Lines:    make([]domain.LineQuote, 0, len(cart.Lines)),
		Subtotal: decimal.Zero,
	}
	for i, line := range cart.Lines {
		lq, err := QuoteLine(line)
		if err != nil {
			return domain.CartQuote{}, fmt.Errorf("line %d: %w", i+1, err)
		}
		quote.Lines = append(quote.Lines, lq)
		quote.Subtotal = quote.Subtotal.Add(lq.Total)
	}

	global, err := DiscountAmount(quote.Subtotal, cart.GlobalDiscount)
	if err != nil {
		return domain.CartQuote{}, err
	}
	quote.GlobalDiscountAmount = global
	quote.Total = decimal.Max(decimal.Zero, quote.Subtotal.Sub(global))
	return quote, nil
}

// Covers reports whether paid settles total within Epsilon.
func Covers(paid decimal.Decimal, total decimal.Decimal) bool {
	return paid.GreaterThanOrEqual(total.Sub(Epsilon))
}

func Equal(a decimal.Decimal, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Epsilon)
}
