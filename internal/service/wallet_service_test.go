package service

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"companion-engine/internal/domain"
)

// fakeTx satisfies pgx.Tx by embedding the (nil) interface and only
// overriding the two methods repository.WithTx actually calls. None of this
// package's fakes invoke any other Tx method, so the embedded nil interface
// is never reached.
type fakeTx struct {
	pgx.Tx
}

func (fakeTx) Commit(_ context.Context) error   { return nil }
func (fakeTx) Rollback(_ context.Context) error { return nil }

type fakeUnitOfWork struct{}

func (fakeUnitOfWork) Begin(_ context.Context) (pgx.Tx, error) {
	return fakeTx{}, nil
}

type fakeWallets struct {
	wallets map[string]domain.Wallet
}

func newFakeWallets() *fakeWallets {
	return &fakeWallets{wallets: make(map[string]domain.Wallet)}
}

func (f *fakeWallets) Create(_ context.Context, wallet domain.Wallet) error {
	f.wallets[wallet.UserID] = wallet
	return nil
}

func (f *fakeWallets) Get(_ context.Context, userID string) (domain.Wallet, error) {
	w, ok := f.wallets[userID]
	if !ok {
		return domain.Wallet{}, pgx.ErrNoRows
	}
	return w, nil
}

func (f *fakeWallets) GetForUpdate(_ context.Context, _ pgx.Tx, userID string) (domain.Wallet, error) {
	return f.Get(context.Background(), userID)
}

func (f *fakeWallets) Save(_ context.Context, _ pgx.Tx, wallet domain.Wallet) error {
	f.wallets[wallet.UserID] = wallet
	return nil
}

type fakeLedger struct {
	entries []domain.LedgerEntry
}

func (f *fakeLedger) Append(_ context.Context, _ pgx.Tx, entry domain.LedgerEntry) error {
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeLedger) ListByUser(_ context.Context, userID string, limit int) ([]domain.LedgerEntry, error) {
	var out []domain.LedgerEntry
	for _, e := range f.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func TestWalletServiceDailyRefreshLedgerAmountIsDelta(t *testing.T) {
	wallets := newFakeWallets()
	ledger := &fakeLedger{}
	svc := NewWalletService(wallets, ledger, fakeUnitOfWork{}, 10, 20, 30)

	yesterday := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	today := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)

	if err := wallets.Create(context.Background(), domain.Wallet{
		UserID: "user-1", DailyFreeCredits: 4, DailyRefreshedAt: yesterday, CreatedAt: yesterday, UpdatedAt: yesterday,
	}); err != nil {
		t.Fatalf("seed wallet: %v", err)
	}

	if _, err := svc.PreCheck(context.Background(), "user-1", domain.TierFree, today); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wallet, err := wallets.Get(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	if wallet.DailyFreeCredits != 10 {
		t.Fatalf("expected refreshed allowance 10, got %v", wallet.DailyFreeCredits)
	}

	var refreshEntry *domain.LedgerEntry
	for i := range ledger.entries {
		if ledger.entries[i].Type == domain.LedgerDailyRefresh {
			refreshEntry = &ledger.entries[i]
		}
	}
	if refreshEntry == nil {
		t.Fatalf("expected a daily refresh ledger entry")
	}
	// The wallet had 4 leftover credits before the refresh; the ledger entry
	// must record the actual delta granted (10-4=6), not the new allowance (10),
	// or balance_after would no longer equal balance_after_previous + amount.
	if refreshEntry.Amount != 6 {
		t.Fatalf("expected ledger amount to be the delta (6), got %v", refreshEntry.Amount)
	}
	if refreshEntry.BalanceAfter != wallet.TotalCredits() {
		t.Fatalf("ledger balance_after (%v) does not match wallet total (%v)", refreshEntry.BalanceAfter, wallet.TotalCredits())
	}
}

func TestWalletServiceDailyRefreshSkippedSameDay(t *testing.T) {
	wallets := newFakeWallets()
	ledger := &fakeLedger{}
	svc := NewWalletService(wallets, ledger, fakeUnitOfWork{}, 10, 20, 30)

	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	if err := wallets.Create(context.Background(), domain.Wallet{
		UserID: "user-1", DailyFreeCredits: 3, DailyRefreshedAt: now, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("seed wallet: %v", err)
	}

	later := now.Add(2 * time.Hour)
	if _, err := svc.PreCheck(context.Background(), "user-1", domain.TierFree, later); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ledger.entries) != 0 {
		t.Fatalf("expected no refresh ledger entry on the same UTC day, got %d", len(ledger.entries))
	}
	wallet, _ := wallets.Get(context.Background(), "user-1")
	if wallet.DailyFreeCredits != 3 {
		t.Fatalf("expected daily credits unchanged at 3, got %v", wallet.DailyFreeCredits)
	}
}

func TestWalletServicePreCheckInsufficientCredits(t *testing.T) {
	wallets := newFakeWallets()
	ledger := &fakeLedger{}
	svc := NewWalletService(wallets, ledger, fakeUnitOfWork{}, 0, 0, 0)

	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	if err := wallets.Create(context.Background(), domain.Wallet{
		UserID: "user-1", DailyRefreshedAt: now, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("seed wallet: %v", err)
	}

	_, err := svc.PreCheck(context.Background(), "user-1", domain.TierFree, now)
	if err != domain.ErrInsufficientCredits {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
}

func TestWalletServicePostDeductChargesTokenExactCost(t *testing.T) {
	wallets := newFakeWallets()
	ledger := &fakeLedger{}
	svc := NewWalletService(wallets, ledger, fakeUnitOfWork{}, 10, 20, 30)

	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	if err := wallets.Create(context.Background(), domain.Wallet{
		UserID: "user-1", PurchasedCredits: 5, DailyRefreshedAt: now, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("seed wallet: %v", err)
	}

	if err := svc.PostDeduct(context.Background(), "user-1", "session-1", "msg-1", domain.TierFree, 1200, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wallet, _ := wallets.Get(context.Background(), "user-1")
	// ceil(1200/500) = 3 credits deducted from the 5 purchased.
	if wallet.PurchasedCredits != 2 {
		t.Fatalf("expected 2 purchased credits remaining, got %v", wallet.PurchasedCredits)
	}
}

func TestWalletServicePurchaseRejectsNonPositiveAmount(t *testing.T) {
	wallets := newFakeWallets()
	ledger := &fakeLedger{}
	svc := NewWalletService(wallets, ledger, fakeUnitOfWork{}, 10, 20, 30)

	if err := svc.Purchase(context.Background(), "user-1", 0, time.Now()); err != domain.ErrInvalidAmount {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if err := svc.Purchase(context.Background(), "user-1", -5, time.Now()); err != domain.ErrInvalidAmount {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}
