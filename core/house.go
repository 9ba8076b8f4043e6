package core

import "time"

// HouseKind labels a row in the house's accounting stream.
type HouseKind string

const (
	HouseMatchBet  HouseKind = "match_bet"
	HouseWin       HouseKind = "win"
	HouseLoss      HouseKind = "loss"
	HouseRefund    HouseKind = "refund"
	HouseFeeIncome HouseKind = "fee_income"
)

// HouseLedgerEntry is one immutable row in the house's accounting stream,
// owned by the round and entry that produced it.
type HouseLedgerEntry struct {
	ID            string    `json:"id"`
	RoundID       string    `json:"roundId"`
	EntryID       string    `json:"entryId,omitempty"`
	Kind          HouseKind `json:"kind"`
	AmountQU      int64     `json:"amountQU"`
	BalanceAfterQU int64    `json:"balanceAfterQU"`
	CreatedAt     time.Time `json:"createdAt"`
}
