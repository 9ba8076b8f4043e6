package core

// Account is a user's (or the house's) balance ledger, adapted from the
// teacher's blockchain Account (address + balance) into a full wagering
// ledger: cumulative counters replace the single nonce, and an opaque
// bearer token replaces the ed25519 keypair since QFlash authenticates
// API callers, not signed transactions.
type Account struct {
	Address string `json:"address"`

	BalanceQU int64 `json:"balanceQU"`

	TotalDepositedQU int64 `json:"totalDepositedQU"`
	TotalWithdrawnQU int64 `json:"totalWithdrawnQU"`
	TotalWageredQU   int64 `json:"totalWageredQU"`
	TotalWonQU       int64 `json:"totalWonQU"`
	TotalLostQU      int64 `json:"totalLostQU"`
	TotalRefundedQU  int64 `json:"totalRefundedQU"`

	WinCount  int `json:"winCount"`
	LossCount int `json:"lossCount"`
	PushCount int `json:"pushCount"`

	CurrentStreak int `json:"currentStreak"` // signed: positive = win streak, negative = loss streak
	BestStreak    int `json:"bestStreak"`

	AuthToken string `json:"-"`
}

// RecordOutcome updates win/loss/push counters and the streak after one
// settled entry. It does not touch BalanceQU or the QU counters — callers
// apply those separately since the amounts differ by settlement path.
func (a *Account) RecordOutcome(status EntryStatus) {
	switch status {
	case EntryWon:
		a.WinCount++
		if a.CurrentStreak >= 0 {
			a.CurrentStreak++
		} else {
			a.CurrentStreak = 1
		}
		if a.CurrentStreak > a.BestStreak {
			a.BestStreak = a.CurrentStreak
		}
	case EntryLost:
		a.LossCount++
		if a.CurrentStreak <= 0 {
			a.CurrentStreak--
		} else {
			a.CurrentStreak = -1
		}
	case EntryPush, EntryRefunded:
		a.PushCount++
		// A push/refund neither extends nor breaks a streak.
	}
}
