package model

import "github.com/shopspring/decimal"

type AccountStatus string

const (
	AccountStatusActive     AccountStatus = "active"
	AccountStatusRestricted AccountStatus = "restricted"
	AccountStatusClosed     AccountStatus = "closed"
)

// Account is a read-only snapshot of the brokerage account.
type Account struct {
	Cash           decimal.Decimal `json:"cash"`
	BuyingPower    decimal.Decimal `json:"buying_power"`
	Equity         decimal.Decimal `json:"equity"`
	PortfolioValue decimal.Decimal `json:"portfolio_value"`
	LastEquity     decimal.Decimal `json:"last_equity"`
	Status         AccountStatus   `json:"status"`
}

func (a *Account) IsActive() bool {
	return a.Status == AccountStatusActive
}
