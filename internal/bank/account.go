// Package bank holds the per-session ledger: the account balance and the
// list of transaction records produced by completed flows.
//
// Records are immutable once created. The ledger is in memory only; durable
// history is not part of this service.
package bank

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a transaction record.
type Kind string

const (
	KindDebit    Kind = "DEBIT"
	KindCredit   Kind = "CREDIT"
	KindTransfer Kind = "TRANSFER"
	KindBillPay  Kind = "BILL_PAY"
)

// StatusSuccess is the only status a completed flow produces.
const StatusSuccess = "Success"

// DateLayout renders record dates the way the client displays them.
const DateLayout = "02/01/2006"

// DefaultBalance is the opening balance of a fresh session.
const DefaultBalance = 12500.50

// ErrInvalidAmount is returned when a record is created with a non-positive amount.
var ErrInvalidAmount = errors.New("bank: amount must be positive")

// Transaction is a single ledger record.
type Transaction struct {
	ID          string
	Kind        Kind
	Description string
	Amount      float64
	Date        time.Time
	Status      string
}

// MarshalJSON renders the record for the client, with the date in DateLayout.
func (t Transaction) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID          string  `json:"id"`
		Type        Kind    `json:"type"`
		Description string  `json:"description"`
		Amount      float64 `json:"amount"`
		Date        string  `json:"date"`
		Status      string  `json:"status"`
	}{t.ID, t.Kind, t.Description, t.Amount, t.Date.Format(DateLayout), t.Status})
}

// SeedTransactions returns the records every new session starts with.
func SeedTransactions() []Transaction {
	return []Transaction{
		{ID: "1", Kind: KindDebit, Description: "Grocery Store", Amount: 450, Date: time.Date(2025, 12, 12, 0, 0, 0, 0, time.Local), Status: StatusSuccess},
		{ID: "2", Kind: KindCredit, Description: "Salary", Amount: 25000, Date: time.Date(2025, 12, 1, 0, 0, 0, 0, time.Local), Status: StatusSuccess},
	}
}

// Observer is notified after a record has been added.
type Observer func(owner string, tx Transaction)

// Option configures an Account.
type Option func(*Account)

// WithBalance sets the opening balance.
func WithBalance(b float64) Option {
	return func(a *Account) { a.balance = b }
}

// WithTransactions replaces the seed records.
func WithTransactions(txs []Transaction) Option {
	return func(a *Account) {
		a.txs = append([]Transaction(nil), txs...)
	}
}

// WithObserver registers fn to be called after every Record.
func WithObserver(fn Observer) Option {
	return func(a *Account) { a.observers = append(a.observers, fn) }
}

// WithClock overrides time.Now for record dates.
func WithClock(now func() time.Time) Option {
	return func(a *Account) { a.now = now }
}

// Account is the session ledger. It is safe for concurrent use.
type Account struct {
	owner     string
	now       func() time.Time
	observers []Observer

	mu      sync.Mutex
	balance float64
	txs     []Transaction // newest first
}

// NewAccount returns the ledger for owner (the user's mobile number),
// opened with DefaultBalance and the seed records unless overridden.
func NewAccount(owner string, opts ...Option) *Account {
	a := &Account{
		owner:   owner,
		now:     time.Now,
		balance: DefaultBalance,
		txs:     SeedTransactions(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Owner returns the account owner's identifier.
func (a *Account) Owner() string { return a.owner }

// Balance returns the current balance.
func (a *Account) Balance() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance
}

// Transactions returns a copy of the records, newest first.
func (a *Account) Transactions() []Transaction {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Transaction(nil), a.txs...)
}

// Record creates a new record, prepends it to the ledger and adjusts the
// balance: credits add, everything else debits.
func (a *Account) Record(kind Kind, description string, amount float64) (Transaction, error) {
	if amount <= 0 {
		return Transaction{}, fmt.Errorf("%w: %v", ErrInvalidAmount, amount)
	}
	tx := Transaction{
		ID:          uuid.NewString(),
		Kind:        kind,
		Description: description,
		Amount:      amount,
		Date:        a.now(),
		Status:      StatusSuccess,
	}

	a.mu.Lock()
	a.txs = append([]Transaction{tx}, a.txs...)
	if kind == KindCredit {
		a.balance += amount
	} else {
		a.balance -= amount
	}
	a.mu.Unlock()

	for _, fn := range a.observers {
		fn(a.owner, tx)
	}
	return tx, nil
}
