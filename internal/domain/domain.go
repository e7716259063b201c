// Package domain holds the shared record types and error vocabulary for the
// balance service: accounts, transactions, ledger entries, reservations and
// table pots. Engines in sibling packages read and mutate these types through
// the store interface; nothing in this package touches persistence directly.
package domain

import "time"

// Currency is fixed to a single chip denomination; multi-currency is a
// non-goal.
const Currency = "CHIPS"

// TransactionType enumerates the kinds of ledger-affecting movement the
// accounting engine can record.
type TransactionType string

const (
	TxDeposit  TransactionType = "DEPOSIT"
	TxWithdraw TransactionType = "WITHDRAW"
	TxBuyIn    TransactionType = "BUY_IN"
	TxCashOut  TransactionType = "CASH_OUT"
	TxBlind    TransactionType = "BLIND"
	TxBet      TransactionType = "BET"
	TxPotWin   TransactionType = "POT_WIN"
	TxRake     TransactionType = "RAKE"
	TxBonus    TransactionType = "BONUS"
	TxReferral TransactionType = "REFERRAL"
	TxRefund   TransactionType = "REFUND"
)

// TransactionStatus tracks the lifecycle of a single Transaction record.
type TransactionStatus string

const (
	TxStatusPending   TransactionStatus = "PENDING"
	TxStatusCompleted TransactionStatus = "COMPLETED"
	TxStatusFailed    TransactionStatus = "FAILED"
)

// DepositSource enumerates the caller-declared origin of a deposit; carried
// for reporting, never interpreted by the accounting engine itself.
type DepositSource string

const (
	SourceFreeroll DepositSource = "FREEROLL"
	SourcePurchase DepositSource = "PURCHASE"
	SourceAdmin    DepositSource = "ADMIN"
	SourceBonus    DepositSource = "BONUS"
	SourceReferral DepositSource = "REFERRAL"
)

// ReservationStatus is the state of a two-phase buy-in hold.
type ReservationStatus string

const (
	ReservationHeld      ReservationStatus = "HELD"
	ReservationCommitted ReservationStatus = "COMMITTED"
	ReservationReleased  ReservationStatus = "RELEASED"
	ReservationExpired   ReservationStatus = "EXPIRED"
)

// PotStatus is the lifecycle of a TablePot.
type PotStatus string

const (
	PotActive    PotStatus = "ACTIVE"
	PotSettled   PotStatus = "SETTLED"
	PotCancelled PotStatus = "CANCELLED"
)

// Metadata is the formalized, fixed-shape replacement for the open
// map[string]any metadata bag the source system carried. Every field is
// optional; only the ones relevant to a given operation are set.
type Metadata struct {
	TableID       string `json:"tableId,omitempty"`
	HandID        string `json:"handId,omitempty"`
	SeatID        int    `json:"seatId,omitempty"`
	ReservationID string `json:"reservationId,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Source        string `json:"source,omitempty"`
}

// Account is a single chip balance ledger root.
type Account struct {
	AccountID string
	Balance   int64
	Currency  string
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Transaction is an immutable record of one completed (or failed) balance
// movement.
type Transaction struct {
	TransactionID  string
	IdempotencyKey string
	Type           TransactionType
	AccountID      string
	Amount         int64
	BalanceBefore  int64
	BalanceAfter   int64
	Metadata       Metadata
	Status         TransactionStatus
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

// LedgerEntry is one link in an account's append-only hash chain.
type LedgerEntry struct {
	EntryID           string
	TransactionID     string
	AccountID         string
	Type              TransactionType
	Amount            int64
	BalanceBefore     int64
	BalanceAfter      int64
	Metadata          Metadata
	Timestamp         time.Time
	PreviousChecksum  string
	Checksum          string
}

// Reservation is a time-bounded hold against an account's available balance.
type Reservation struct {
	ReservationID  string
	AccountID      string
	Amount         int64
	TableID        string
	IdempotencyKey string
	TransactionID  string
	ExpiresAt      time.Time
	Status         ReservationStatus
	CreatedAt      time.Time
	CommittedAt    *time.Time
	ReleasedAt     *time.Time
}

// PotLayer is one side-pot level with the seats eligible to win it.
type PotLayer struct {
	Amount          int64
	EligibleSeatIDs []int
}

// TablePot accumulates contributions for a single hand. Pots is carried for
// side-pot layers, but SettlePot does not fill it in; pot.CalculatePots
// derives the layers on demand from Contributions. ContributionTypes tracks the most
// recent contributionType recorded for each seat (e.g. BLIND vs BET); it is
// bookkeeping alongside Contributions, not part of the settlement math.
type TablePot struct {
	PotID             string
	TableID           string
	HandID            string
	Contributions     map[int]int64
	ContributionTypes map[int]TransactionType
	Pots              []PotLayer
	RakeAmount        int64
	Status            PotStatus
	Version           int64
	CreatedAt         time.Time
	SettledAt         *time.Time
}

// IdempotencyRecord is the opaque, TTL-bounded cached result of a completed
// write command.
type IdempotencyRecord struct {
	Key              string
	SerializedResult []byte
	RequestHash      string
	ExpiresAt        time.Time
}

// AvailableBalance computes the derived available balance given the raw
// sum of HELD reservation amounts for the account. Never persisted.
func AvailableBalance(acc Account, heldReserved int64) int64 {
	return acc.Balance - heldReserved
}

// PotID builds the canonical identifier for a table pot.
func PotID(tableID, handID string) string {
	return tableID + ":" + handID
}
