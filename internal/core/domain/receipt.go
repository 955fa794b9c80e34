package domain

import "github.com/shopspring/decimal"

type ReceiptLine struct {
	ItemName  string          `json:"item_name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Discount  decimal.Decimal `json:"discount"`
	LineTotal decimal.Decimal `json:"line_total"`
}

// Receipt is the printable view of a sale.
type Receipt struct {
	Number        string          `json:"receipt_number"`
	StoreName     string          `json:"store_name"`
	StoreAddress  string          `json:"store_address"`
	SaleDate      string          `json:"sale_date"`
	Lines         []ReceiptLine   `json:"lines"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
}
