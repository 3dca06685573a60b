package domain

import "time"

// Wallet holds a user's spendable credits. Deduction priority is daily, then
// purchased, then bonus. TotalCredits is always the sum of the three and must
// never go negative at a transaction boundary.
type Wallet struct {
	UserID            string    `json:"user_id"`
	DailyFreeCredits  float64   `json:"daily_free_credits"`
	PurchasedCredits  float64   `json:"purchased_credits"`
	BonusCredits      float64   `json:"bonus_credits"`
	DailyRefreshedAt  time.Time `json:"daily_refreshed_at"`
	Version           int       `json:"version"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// TotalCredits is the computed wallet balance.
func (w *Wallet) TotalCredits() float64 {
	return w.DailyFreeCredits + w.PurchasedCredits + w.BonusCredits
}

// Deduct removes amount from the wallet following daily -> purchased -> bonus
// priority. Returns an error if the wallet cannot cover amount; the caller must
// run this inside a locked transaction.
func (w *Wallet) Deduct(amount float64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	if w.TotalCredits() < amount {
		return ErrInsufficientCredits
	}
	remaining := amount
	take := func(bucket *float64) {
		if remaining <= 0 {
			return
		}
		if *bucket >= remaining {
			*bucket -= remaining
			remaining = 0
			return
		}
		remaining -= *bucket
		*bucket = 0
	}
	take(&w.DailyFreeCredits)
	take(&w.PurchasedCredits)
	take(&w.BonusCredits)
	return nil
}
