package service

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"companion-engine/internal/domain"
)

type fakeSubscriptions struct {
	subs map[string]domain.Subscription
}

func newFakeSubscriptions() *fakeSubscriptions {
	return &fakeSubscriptions{subs: make(map[string]domain.Subscription)}
}

func (f *fakeSubscriptions) Create(_ context.Context, sub domain.Subscription) error {
	f.subs[sub.UserID] = sub
	return nil
}

func (f *fakeSubscriptions) Get(_ context.Context, userID string) (domain.Subscription, error) {
	sub, ok := f.subs[userID]
	if !ok {
		return domain.Subscription{}, pgx.ErrNoRows
	}
	return sub, nil
}

func (f *fakeSubscriptions) Save(_ context.Context, sub domain.Subscription) error {
	f.subs[sub.UserID] = sub
	return nil
}

func (f *fakeSubscriptions) SaveTx(_ context.Context, _ pgx.Tx, sub domain.Subscription) error {
	f.subs[sub.UserID] = sub
	return nil
}

func TestSubscriptionServiceEffectiveTierActiveSubscription(t *testing.T) {
	subs := newFakeSubscriptions()
	ledger := &fakeLedger{}
	svc := NewSubscriptionService(subs, ledger, fakeUnitOfWork{})

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := subs.Create(context.Background(), domain.Subscription{
		UserID: "user-1", Tier: domain.TierVIP, ExpiresAt: now.Add(24 * time.Hour),
	}); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}

	tier, err := svc.EffectiveTier(context.Background(), "user-1", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tier != domain.TierVIP {
		t.Fatalf("expected VIP tier, got %v", tier)
	}
	if len(ledger.entries) != 0 {
		t.Fatalf("expected no ledger entry for an active subscription, got %d", len(ledger.entries))
	}
}

func TestSubscriptionServiceEffectiveTierDowngradesExpired(t *testing.T) {
	subs := newFakeSubscriptions()
	ledger := &fakeLedger{}
	svc := NewSubscriptionService(subs, ledger, fakeUnitOfWork{})

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := subs.Create(context.Background(), domain.Subscription{
		UserID: "user-1", Tier: domain.TierPremium, AutoRenew: true, ExpiresAt: now.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}

	tier, err := svc.EffectiveTier(context.Background(), "user-1", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tier != domain.TierFree {
		t.Fatalf("expected downgrade to free, got %v", tier)
	}

	stored, err := subs.Get(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if stored.Tier != domain.TierFree || stored.AutoRenew {
		t.Fatalf("expected persisted downgrade with auto-renew cleared, got %+v", stored)
	}

	if len(ledger.entries) != 1 || ledger.entries[0].Type != domain.LedgerSubscriptionExpired {
		t.Fatalf("expected one subscription_expired ledger entry, got %+v", ledger.entries)
	}
}

func TestSubscriptionServiceAtLeast(t *testing.T) {
	subs := newFakeSubscriptions()
	ledger := &fakeLedger{}
	svc := NewSubscriptionService(subs, ledger, fakeUnitOfWork{})

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := subs.Create(context.Background(), domain.Subscription{
		UserID: "user-1", Tier: domain.TierPremium, ExpiresAt: now.Add(24 * time.Hour),
	}); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}

	ok, err := svc.AtLeast(context.Background(), "user-1", domain.TierFree, now)
	if err != nil || !ok {
		t.Fatalf("expected premium to satisfy >= free, got ok=%v err=%v", ok, err)
	}

	ok, err = svc.AtLeast(context.Background(), "user-1", domain.TierVIP, now)
	if err != nil || ok {
		t.Fatalf("expected premium to NOT satisfy >= vip, got ok=%v err=%v", ok, err)
	}
}

func TestSubscriptionServiceHasFeature(t *testing.T) {
	subs := newFakeSubscriptions()
	ledger := &fakeLedger{}
	svc := NewSubscriptionService(subs, ledger, fakeUnitOfWork{})

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := subs.Create(context.Background(), domain.Subscription{
		UserID: "user-1", Tier: domain.TierFree, ExpiresAt: now.Add(24 * time.Hour),
	}); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}

	nsfw, err := svc.HasFeature(context.Background(), "user-1", "nsfw", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if nsfw != domain.Benefits[domain.TierFree].NSFWEnabled {
		t.Fatalf("expected free-tier nsfw benefit to match domain.Benefits table")
	}
}
