package provider

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// RetailPrice applies a percent margin over a wholesale price, rounded to cents.
func RetailPrice(wholesale, marginPercent decimal.Decimal) decimal.Decimal {
	return wholesale.Mul(decimal.NewFromInt(1).Add(marginPercent.Div(hundred))).Round(2)
}

// MarginAmount is the reseller's share of the retail price for a wholesale price.
func MarginAmount(wholesale, marginPercent decimal.Decimal) decimal.Decimal {
	return RetailPrice(wholesale, marginPercent).Sub(wholesale)
}
