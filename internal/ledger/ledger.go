package ledger

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mediaforge/api/internal/model"
)

var (
	ErrAccountNotFound      = errors.New("account not found")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrReservationNotFound  = errors.New("reservation not found")
	ErrReservationNotActive = errors.New("reservation not active")
	ErrReservationExpired   = errors.New("reservation expired")
	ErrOverage              = errors.New("actual cost exceeds reserved amount")
)

// Ledger owns account balances, reservations, and the append-only transaction
// log. Mutations for a single account are serialized behind that account's
// lock so concurrent reservations can never jointly overdraw the available
// balance; different accounts proceed in parallel.
type Ledger struct {
	mu           sync.RWMutex
	accounts     map[string]*accountEntry
	reservations map[string]*model.Reservation

	txMu         sync.Mutex
	transactions []model.Transaction

	reservationTTL time.Duration
}

type accountEntry struct {
	mu   sync.Mutex
	acct model.Account
}

// New creates an empty ledger. reservationTTL bounds how long a reservation
// may sit in reserved status before the stale sweep cancels it.
func New(reservationTTL time.Duration) *Ledger {
	if reservationTTL <= 0 {
		reservationTTL = 30 * time.Minute
	}
	return &Ledger{
		accounts:       make(map[string]*accountEntry),
		reservations:   make(map[string]*model.Reservation),
		reservationTTL: reservationTTL,
	}
}

// getOrCreate returns the entry for an account, creating a zero-balance
// account on first touch.
func (l *Ledger) getOrCreate(accountID string) *accountEntry {
	l.mu.RLock()
	entry, ok := l.accounts[accountID]
	l.mu.RUnlock()
	if ok {
		return entry
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok = l.accounts[accountID]; ok {
		return entry
	}
	entry = &accountEntry{
		acct: model.Account{
			ID:        accountID,
			CreatedAt: time.Now(),
		},
	}
	l.accounts[accountID] = entry
	return entry
}

// AddCredits applies an externally-settled purchase to an account and appends
// the credit transaction. sourceRef identifies the external settlement.
func (l *Ledger) AddCredits(ctx context.Context, accountID string, amount int64, sourceRef string) (*model.Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	entry := l.getOrCreate(accountID)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	entry.acct.Balance += amount
	tx := l.appendTransaction(accountID, model.TransactionCredit, amount, "", sourceRef)
	return tx, nil
}

// Reserve atomically checks available balance and places a hold on amount.
// The check and the hold happen under the account lock, so two concurrent
// reservations can never both succeed against the same funds.
func (l *Ledger) Reserve(ctx context.Context, accountID string, amount int64) (*model.Reservation, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	entry := l.getOrCreate(accountID)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.acct.Available() < amount {
		return nil, ErrInsufficientFunds
	}

	now := time.Now()
	res := &model.Reservation{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Amount:    amount,
		Status:    model.ReservationReserved,
		CreatedAt: now,
		ExpiresAt: now.Add(l.reservationTTL),
	}

	entry.acct.Reserved += amount

	l.mu.Lock()
	l.reservations[res.ID] = res
	l.mu.Unlock()

	copy := *res
	return &copy, nil
}

// Confirm settles a reservation at actualAmount, debiting the account and
// releasing the unused remainder. actualAmount above the reserved amount is
// an overage: it is rejected and logged for operator intervention. The caller
// must obtain a supplemental reservation instead.
func (l *Ledger) Confirm(ctx context.Context, reservationID string, actualAmount int64) error {
	if actualAmount < 0 {
		return ErrInvalidAmount
	}

	res, entry, err := l.lookup(reservationID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	switch res.Status {
	case model.ReservationReserved:
	case model.ReservationExpired:
		return ErrReservationExpired
	default:
		return ErrReservationNotActive
	}

	if actualAmount > res.Amount {
		log.Printf("LEDGER ALERT: overage on confirm: reservation=%s reserved=%d actual=%d",
			reservationID, res.Amount, actualAmount)
		return ErrOverage
	}

	entry.acct.Reserved -= res.Amount
	entry.acct.Balance -= actualAmount
	res.Status = model.ReservationConfirmed

	l.appendTransaction(res.AccountID, model.TransactionDebit, -actualAmount, res.ID, "")
	return nil
}

// Cancel releases the full reserved amount. Cancelling a reservation already
// in a terminal status is a no-op, not an error.
func (l *Ledger) Cancel(ctx context.Context, reservationID string) error {
	res, entry, err := l.lookup(reservationID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if res.Status.IsTerminal() {
		return nil
	}

	entry.acct.Reserved -= res.Amount
	res.Status = model.ReservationCancelled
	return nil
}

// ExpireStale cancels reservations older than ttl still in reserved status.
// It protects against jobs that stall before confirming. Returns the number
// of reservations expired.
func (l *Ledger) ExpireStale(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)

	l.mu.RLock()
	var stale []string
	for id, res := range l.reservations {
		if res.Status == model.ReservationReserved && res.CreatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	l.mu.RUnlock()

	expired := 0
	for _, id := range stale {
		res, entry, err := l.lookup(id)
		if err != nil {
			continue
		}
		entry.mu.Lock()
		if res.Status == model.ReservationReserved && res.CreatedAt.Before(cutoff) {
			entry.acct.Reserved -= res.Amount
			res.Status = model.ReservationExpired
			expired++
			log.Printf("Ledger: expired stale reservation %s (account=%s amount=%d)",
				res.ID, res.AccountID, res.Amount)
		}
		entry.mu.Unlock()
	}
	return expired
}

// Balance returns a copy of the account's current credit position.
func (l *Ledger) Balance(accountID string) (*model.Account, error) {
	l.mu.RLock()
	entry, ok := l.accounts[accountID]
	l.mu.RUnlock()
	if !ok {
		return nil, ErrAccountNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	acct := entry.acct
	return &acct, nil
}

// Reservation returns a copy of a reservation.
func (l *Ledger) Reservation(reservationID string) (*model.Reservation, error) {
	res, entry, err := l.lookup(reservationID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	copy := *res
	return &copy, nil
}

// Transactions returns the account's transaction log, newest first.
func (l *Ledger) Transactions(accountID string) []model.Transaction {
	l.txMu.Lock()
	defer l.txMu.Unlock()

	var out []model.Transaction
	for i := len(l.transactions) - 1; i >= 0; i-- {
		if l.transactions[i].AccountID == accountID {
			out = append(out, l.transactions[i])
		}
	}
	return out
}

// VerifyBalances reconstructs every balance from the transaction log and
// reports mismatches and negative available balances. Any violation is an
// internal fault requiring operator intervention; the ledger never corrects
// balances itself.
func (l *Ledger) VerifyBalances() []string {
	sums := make(map[string]int64)
	l.txMu.Lock()
	for _, tx := range l.transactions {
		sums[tx.AccountID] += tx.Delta
	}
	l.txMu.Unlock()

	l.mu.RLock()
	entries := make(map[string]*accountEntry, len(l.accounts))
	for id, entry := range l.accounts {
		entries[id] = entry
	}
	l.mu.RUnlock()

	var violations []string
	for id, entry := range entries {
		entry.mu.Lock()
		acct := entry.acct
		entry.mu.Unlock()

		if acct.Balance != sums[id] {
			violations = append(violations,
				"account "+id+": balance does not equal transaction sum")
		}
		if acct.Available() < 0 {
			violations = append(violations,
				"account "+id+": negative available balance")
		}
	}
	return violations
}

func (l *Ledger) lookup(reservationID string) (*model.Reservation, *accountEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	res, ok := l.reservations[reservationID]
	if !ok {
		return nil, nil, ErrReservationNotFound
	}
	entry, ok := l.accounts[res.AccountID]
	if !ok {
		return nil, nil, ErrAccountNotFound
	}
	return res, entry, nil
}

// appendTransaction must be called while holding the affected account's lock.
func (l *Ledger) appendTransaction(accountID string, txType model.TransactionType, delta int64, reservationID, sourceRef string) *model.Transaction {
	tx := model.Transaction{
		ID:            uuid.New().String(),
		AccountID:     accountID,
		Type:          txType,
		Delta:         delta,
		ReservationID: reservationID,
		SourceRef:     sourceRef,
		CreatedAt:     time.Now(),
	}

	l.txMu.Lock()
	l.transactions = append(l.transactions, tx)
	l.txMu.Unlock()

	copy := tx
	return &copy
}
