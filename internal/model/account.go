package model

import "time"

// All monetary amounts are credit cents (1 credit = $0.01).

// Account holds a caller's confirmed balance and the sum of outstanding
// reservations. Available funds are Balance - Reserved, never negative.
type Account struct {
	ID        string    `json:"id"`
	Balance   int64     `json:"balance"`
	Reserved  int64     `json:"reserved"`
	CreatedAt time.Time `json:"createdAt"`
}

// Available returns the spendable portion of the balance.
func (a *Account) Available() int64 {
	return a.Balance - a.Reserved
}

// Reservation is a hold on funds that bounds a job's maximum eventual charge.
// It is immutable once in a terminal status.
type Reservation struct {
	ID        string            `json:"id"`
	AccountID string            `json:"accountId"`
	Amount    int64             `json:"amount"`
	Status    ReservationStatus `json:"status"`
	CreatedAt time.Time         `json:"createdAt"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

// Transaction is an immutable, append-only record of a completed credit
// movement. Delta is signed: debits are negative, credits positive. The
// transaction log is the sole source of truth for account balances.
type Transaction struct {
	ID            string          `json:"id"`
	AccountID     string          `json:"accountId"`
	Type          TransactionType `json:"type"`
	Delta         int64           `json:"delta"`
	ReservationID string          `json:"reservationId,omitempty"`
	SourceRef     string          `json:"sourceRef,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// ApplyMarkup returns the amount charged to the account for a given provider
// base cost, rounding up so the platform never undercharges by truncation.
func ApplyMarkup(baseCost int64, markupPercent int) int64 {
	if markupPercent <= 0 {
		return baseCost
	}
	marked := baseCost * int64(100+markupPercent)
	return (marked + 99) / 100
}
