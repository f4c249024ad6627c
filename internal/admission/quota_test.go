package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	gateway "github.com/eugener/capgate/internal"
	"github.com/eugener/capgate/internal/cache"
	"github.com/eugener/capgate/internal/testutil"
)

var quotaNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func newTestGuard(t *testing.T, records ...gateway.UsageRecord) (*QuotaGuard, *testutil.FakeStore) {
	t.Helper()
	store := testutil.NewFakeStore()
	if err := store.InsertUsage(context.Background(), records); err != nil {
		t.Fatal(err)
	}
	mem, err := cache.NewMemory(100, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	g := NewQuotaGuard(store, mem, DefaultQuotaConfig(), nil)
	g.now = func() time.Time { return quotaNow }
	return g, store
}

func spend(cost float64, at time.Time) gateway.UsageRecord {
	return gateway.UsageRecord{ClientID: "c1", Capability: gateway.CapabilityTextGeneration, CostUSD: cost, CreatedAt: at}
}

func TestQuotaDailyBoundary(t *testing.T) {
	t.Parallel()

	c := activeClient()
	c.Quota.DailyQuotaUSD = ptr(10.0)
	perm := textPermission()
	// 10K estimated tokens at 0.002/1K is $0.02, over the remaining $0.01.
	req := Request{Capability: gateway.CapabilityTextGeneration, PromptTokens: 5000, MaxTokens: 5000}

	g, _ := newTestGuard(t, spend(9.99, quotaNow.Add(-time.Hour)))
	if err := g.Check(context.Background(), c, perm, req); err != nil {
		t.Fatalf("under quota: %v", err)
	}

	g, _ = newTestGuard(t, spend(9.75, quotaNow.Add(-time.Hour)), spend(0.25, quotaNow.Add(-time.Minute)))
	if err := g.Check(context.Background(), c, perm, req); !errors.Is(err, gateway.ErrQuotaExceeded) {
		t.Fatalf("at quota: err = %v, want ErrQuotaExceeded", err)
	}
}

func TestQuotaDailyIgnoresYesterday(t *testing.T) {
	t.Parallel()

	c := activeClient()
	c.Quota.DailyQuotaUSD = ptr(1.0)
	g, _ := newTestGuard(t, spend(5, quotaNow.AddDate(0, 0, -1)))
	if err := g.Check(context.Background(), c, textPermission(), textReq()); err != nil {
		t.Fatalf("Check: %v", err)
	}
}

func TestQuotaMonthly(t *testing.T) {
	t.Parallel()

	c := activeClient()
	c.Quota.MonthlyQuotaUSD = ptr(3.0)
	g, _ := newTestGuard(t,
		spend(2, quotaNow.AddDate(0, 0, -10)),
		spend(1, quotaNow.AddDate(0, 0, -2)),
		spend(100, quotaNow.AddDate(0, -1, 0)),
	)
	err := g.Check(context.Background(), c, textPermission(), textReq())
	if !errors.Is(err, gateway.ErrQuotaExceeded) {
		t.Fatalf("err = %v, want ErrQuotaExceeded", err)
	}
}

func TestQuotaPermissionUsage(t *testing.T) {
	t.Parallel()

	tokens := gateway.UsageRecord{ClientID: "c1", Capability: gateway.CapabilityTextGeneration, TotalTokens: 900, CreatedAt: quotaNow}
	images := gateway.UsageRecord{ClientID: "c1", Capability: gateway.CapabilityImageGeneration, ImageCount: 4, CreatedAt: quotaNow}

	tests := []struct {
		name       string
		capability string
		limit      int64
		wantErr    error
	}{
		{name: "tokens under", capability: gateway.CapabilityTextGeneration, limit: 1000},
		{name: "tokens reached", capability: gateway.CapabilityTextGeneration, limit: 900, wantErr: gateway.ErrQuotaExceeded},
		{name: "images under", capability: gateway.CapabilityImageGeneration, limit: 5},
		{name: "images reached", capability: gateway.CapabilityImageGeneration, limit: 4, wantErr: gateway.ErrQuotaExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g, _ := newTestGuard(t, tokens, images)
			perm := &gateway.CapabilityPermission{ClientID: "c1", Capability: tt.capability, Enabled: true, QuotaLimit: ptr(tt.limit)}
			err := g.Check(context.Background(), activeClient(), perm, Request{Capability: tt.capability, Images: 1})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestQuotaEstimatedCost(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		limit   float64
		req     Request
		wantErr error
	}{
		{name: "text under", limit: 0.05, req: Request{Capability: gateway.CapabilityTextGeneration, PromptTokens: 5000, MaxTokens: 5000}},
		{name: "text over", limit: 0.01, req: Request{Capability: gateway.CapabilityTextGeneration, PromptTokens: 5000, MaxTokens: 5000}, wantErr: gateway.ErrRequestTooExpensive},
		{name: "images over", limit: 0.1, req: Request{Capability: gateway.CapabilityImageGeneration, Images: 3}, wantErr: gateway.ErrRequestTooExpensive},
		{name: "images equal", limit: 0.08, req: Request{Capability: gateway.CapabilityImageGeneration, Images: 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g, _ := newTestGuard(t)
			perm := textPermission()
			perm.Capability = tt.req.Capability
			perm.Config.CostLimitPerRequestUSD = ptr(tt.limit)
			err := g.Check(context.Background(), activeClient(), perm, tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestQuotaAggregatesAreCached(t *testing.T) {
	t.Parallel()

	c := activeClient()
	c.Quota.DailyQuotaUSD = ptr(10.0)
	c.Quota.MonthlyQuotaUSD = ptr(100.0)
	g, store := newTestGuard(t, spend(1, quotaNow))
	ctx := context.Background()

	for range 3 {
		if err := g.Check(ctx, c, textPermission(), textReq()); err != nil {
			t.Fatal(err)
		}
	}
	// One load each for the daily and monthly windows.
	if n := store.CallCount("SumCostSince"); n != 2 {
		t.Errorf("SumCostSince calls = %d, want 2", n)
	}

	// Spend recorded after caching is not visible until the entry expires.
	if err := store.InsertUsage(ctx, []gateway.UsageRecord{spend(20, quotaNow)}); err != nil {
		t.Fatal(err)
	}
	if err := g.Check(ctx, c, textPermission(), textReq()); err != nil {
		t.Errorf("stale cache should still admit: %v", err)
	}
}

func TestQuotaNoLimitsSkipsLedger(t *testing.T) {
	t.Parallel()

	g, store := newTestGuard(t)
	if err := g.Check(context.Background(), activeClient(), textPermission(), textReq()); err != nil {
		t.Fatal(err)
	}
	if store.CallCount("SumCostSince")+store.CallCount("SumUsageSince") != 0 {
		t.Error("ledger read without any configured quota")
	}
}
