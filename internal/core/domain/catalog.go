package domain

import "github.com/shopspring/decimal"

type Item struct {
	ID       int64
	Name     string
	Category string
	Price    decimal.Decimal
	SKU      string
}

type Store struct {
	ID       int64
	Name     string
	Location string
	Address  string
	Phone    string
}
