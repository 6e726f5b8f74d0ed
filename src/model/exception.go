package model

import "time"

// Exception represents an unexpected error caught at the engine boundary,
// persisted for auditing and debugging.
type Exception struct {
	ID uint `gorm:"primaryKey" json:"id"`

	// Where the error happened
	Service string `gorm:"size:100;index" json:"service"` // e.g. "trading_engine"
	Module  string `gorm:"size:100;index" json:"module"`  // e.g. "engine"
	Method  string `gorm:"size:100" json:"method"`        // e.g. "HandleSignal"

	Message string `gorm:"type:text" json:"message"`
	Stack   string `gorm:"type:text" json:"stack"`

	Level string `gorm:"size:20;index" json:"level"` // debug | info | warn | error | fatal

	// Extra context stored as JSON
	Context string `gorm:"type:text" json:"context,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func (Exception) TableName() string {
	return "exceptions"
}
