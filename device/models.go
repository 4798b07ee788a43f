package main

import "time"

// AdminNonce tracks recently seen operator request nonces for replay
// detection.
type AdminNonce struct {
	ID       uint      `gorm:"primaryKey"`
	Operator string    `gorm:"uniqueIndex:operator_nonce"`
	Nonce    string    `gorm:"uniqueIndex:operator_nonce"`
	SeenAt   time.Time `gorm:"index"`
}

// AdminAction is the audit trail of operator actions that changed device
// state.
type AdminAction struct {
	ID        uint   `gorm:"primaryKey"`
	Operator  string `gorm:"index"`
	Action    string
	RequestID string
	Outcome   string
	CreatedAt time.Time `gorm:"index"`
}
