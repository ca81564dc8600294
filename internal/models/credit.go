package models

import "time"

// Transaction types besides the feature categories.
const (
	TxTypeAdminAdjustment = "admin_adjustment"
	TxTypePurchase        = "purchase"
)

// CreditAccount holds one user's balance. Balance only changes together with
// an appended CreditTransaction; Version guards concurrent writers.
type CreditAccount struct {
	UserID    string    `gorm:"primaryKey;size:128" json:"user_id"`
	Balance   int64     `gorm:"not null;default:0;check:balance >= 0" json:"balance"`
	Version   int64     `gorm:"not null;default:0" json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreditTransaction is an append-only ledger row. Amount is signed:
// negative for debits, positive for credits.
type CreditTransaction struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	UserID       string    `gorm:"size:128;not null;index:idx_credit_tx_user_created,priority:1" json:"user_id"`
	MessageID    *string   `gorm:"size:128" json:"message_id,omitempty"`
	Type         string    `gorm:"size:64;not null" json:"type"`
	Amount       int64     `gorm:"not null" json:"amount"`
	BalanceAfter int64     `gorm:"not null" json:"balance_after"`
	Description  string    `json:"description"`
	Reference    *string   `gorm:"size:255;uniqueIndex" json:"reference,omitempty"`
	CreatedAt    time.Time `gorm:"index:idx_credit_tx_user_created,priority:2" json:"created_at"`
}
