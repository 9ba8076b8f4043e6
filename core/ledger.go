package core

import "time"

// TxKind labels the kind of immutable ledger row, adapted from the
// teacher's TxType (which labeled chain transaction kinds) into the
// account ledger's audit-trail kinds.
type TxKind string

const (
	TxDeposit      TxKind = "deposit"
	TxWithdrawal   TxKind = "withdrawal"
	TxWager        TxKind = "wager"
	TxPayout       TxKind = "payout"
	TxRefund       TxKind = "refund"
	TxPlatformFee  TxKind = "platform_fee"
)

// TxStatus is the confirmation state of a ledger row.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// LedgerTx is one immutable row in an account's audit trail.
type LedgerTx struct {
	ID            string   `json:"id"`
	Address       string   `json:"address"`
	Kind          TxKind   `json:"kind"`
	AmountQU      int64    `json:"amountQU"`
	RoundID       string   `json:"roundId,omitempty"`
	ExternalTxHash string  `json:"externalTxHash,omitempty"`
	Status        TxStatus `json:"status"`
	CreatedAt     time.Time `json:"createdAt"`
}
