package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentMethod string

const (
	PaymentCash         PaymentMethod = "CASH"
	PaymentCard         PaymentMethod = "CARD"
	PaymentMobile       PaymentMethod = "MOBILE_PAYMENT"
	PaymentBankTransfer PaymentMethod = "BANK_TRANSFER"
)

func (p PaymentMethod) Valid() bool {
	switch p {
	case PaymentCash, PaymentCard, PaymentMobile, PaymentBankTransfer:
		return true
	}
	return false
}

type SaleLine struct {
	ItemID    int64
	ItemName  string
	Quantity  int
	UnitPrice decimal.Decimal // price snapshot at sale time
	Discount  decimal.Decimal
	LineTotal decimal.Decimal
}

// Subtotal is quantity * unit price - discount.
func (l SaleLine) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))).Sub(l.Discount)
}

type Sale struct {
	ID            string
	StoreID       int64
	SaleDate      time.Time
	TotalAmount   decimal.Decimal
	PaymentMethod PaymentMethod
	CustomerEmail string
	CustomerPhone string
	Lines         []SaleLine
	Version       int64 // optimistic locking
}

// LineIndex returns the index of the first line for itemID, or -1.
func (s *Sale) LineIndex(itemID int64) int {
	for i := range s.Lines {
		if s.Lines[i].ItemID == itemID {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy so a sale can be modified before it is committed.
func (s Sale) Clone() Sale {
	c := s
	c.Lines = make([]SaleLine, len(s.Lines))
	copy(c.Lines, s.Lines)
	return c
}
