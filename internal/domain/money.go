package domain

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// LineTotal is unitPrice × qty × (1 − discount/100), rounded to cents.
func LineTotal(unitPrice decimal.Decimal, qty int, discountPercent decimal.Decimal) decimal.Decimal {
	factor := decimal.NewFromInt(1).Sub(discountPercent.Div(hundred))
	return unitPrice.Mul(decimal.NewFromInt(int64(qty))).Mul(factor).Round(2)
}

func SaleTotal(lines []SaleLine) decimal.Decimal {
	total := decimal.Zero
	for _, line := range lines {
		total = total.Add(line.LineTotal)
	}
	return total.Round(2)
}

func ValidDiscount(discountPercent decimal.Decimal) bool {
	return !discountPercent.IsNegative() && discountPercent.LessThanOrEqual(hundred)
}
