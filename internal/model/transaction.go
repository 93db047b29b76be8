package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Transaction is one STK push attempt and its lifecycle state.
type Transaction struct {
	ID                 uint64          `gorm:"primaryKey"`
	PhoneNumber        string          `gorm:"size:15;not null"`
	Amount             decimal.Decimal `gorm:"type:numeric(10,2);not null"`
	Reference          string          `gorm:"size:100;not null"`
	Description        string          `gorm:"type:text"`
	CheckoutRequestID  string          `gorm:"size:100;not null;uniqueIndex"`
	MerchantRequestID  string          `gorm:"size:100;not null;uniqueIndex"`
	MpesaReceiptNumber *string         `gorm:"size:50"`
	TransactionDate    *time.Time
	CreatedAt          time.Time      `gorm:"autoCreateTime;index"`
	Status             Status         `gorm:"size:20;not null;default:pending;index"`
	RawResponse        datatypes.JSON `gorm:"not null"`
}

func (Transaction) TableName() string { return "mpesa_transaction" }
