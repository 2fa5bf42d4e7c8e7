package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/whale-engine/internal/model"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func newConfig(user, target string) *model.CopyConfig {
	return &model.CopyConfig{
		UserWallet:     user,
		TargetWallet:   target,
		Enabled:        true,
		SizingMode:     model.SizingFixed,
		FixedSize:      d(200),
		MaxDailyTrades: 5,
		FollowBuys:     true,
		FollowSells:    true,
	}
}

func TestCreateConfigInvariants(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.CreateConfig(ctx, newConfig("0xU", "0xu")); !errors.Is(err, ErrSelfCopy) {
		t.Fatalf("self copy: got %v, want ErrSelfCopy", err)
	}

	first := newConfig("0xU", "0xA")
	if err := s.CreateConfig(ctx, first); err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.ID == "" {
		t.Fatal("expected generated id")
	}
	if first.UserWallet != "0xu" || first.TargetWallet != "0xa" {
		t.Errorf("wallets not normalized: %s %s", first.UserWallet, first.TargetWallet)
	}

	if err := s.CreateConfig(ctx, newConfig("0xu", "0XA")); !errors.Is(err, ErrDuplicateConfig) {
		t.Fatalf("duplicate: got %v, want ErrDuplicateConfig", err)
	}

	disabled := newConfig("0xu", "0xa")
	disabled.Enabled = false
	if err := s.CreateConfig(ctx, disabled); err != nil {
		t.Fatalf("a disabled duplicate is allowed: %v", err)
	}

	disabled.Enabled = true
	if err := s.SaveConfig(ctx, *disabled); !errors.Is(err, ErrDuplicateConfig) {
		t.Fatalf("enable duplicate: got %v, want ErrDuplicateConfig", err)
	}
}

func TestSaveConfigKeepsCounters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	cfg := newConfig("0xu", "0xa")
	if err := s.CreateConfig(ctx, cfg); err != nil {
		t.Fatal(err)
	}

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if _, err := s.RecordExecution(ctx, cfg.ID, at); err != nil {
		t.Fatal(err)
	}

	edit := *cfg
	edit.FixedSize = d(300)
	edit.TradesToday = 0
	edit.TotalTrades = 0
	if err := s.SaveConfig(ctx, edit); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetConfig(ctx, cfg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.FixedSize.Equal(d(300)) {
		t.Errorf("fixed size = %s, want 300", got.FixedSize)
	}
	if got.TradesToday != 1 || got.TotalTrades != 1 {
		t.Errorf("counters = %d/%d, want 1/1", got.TradesToday, got.TotalTrades)
	}
	if got.LastTradeAt == nil || !got.LastTradeAt.Equal(at) {
		t.Errorf("last trade at = %v, want %v", got.LastTradeAt, at)
	}
}

func TestResetDailyCounters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	a, b := newConfig("0xu", "0xa"), newConfig("0xu", "0xb")
	for _, c := range []*model.CopyConfig{a, b} {
		if err := s.CreateConfig(ctx, c); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 3; i++ {
		if _, err := s.RecordExecution(ctx, a.ID, time.Now()); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.ResetDailyCounters(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("reset %d configs, want 1", n)
	}
	got, _ := s.GetConfig(ctx, a.ID)
	if got.TradesToday != 0 || got.TotalTrades != 3 {
		t.Errorf("counters = %d/%d, want 0/3", got.TradesToday, got.TotalTrades)
	}
}

func TestListEnabledConfigsForTarget(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	on := newConfig("0xu1", "0xa")
	off := newConfig("0xu2", "0xa")
	off.Enabled = false
	other := newConfig("0xu1", "0xb")
	for _, c := range []*model.CopyConfig{on, off, other} {
		if err := s.CreateConfig(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListEnabledConfigsForTarget(ctx, "0XA")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != on.ID {
		t.Fatalf("got %+v, want only %s", got, on.ID)
	}

	byUser, _ := s.ListConfigsByUser(ctx, "0xU1")
	if len(byUser) != 2 {
		t.Errorf("configs by user = %d, want 2", len(byUser))
	}
}

func TestAttemptLog(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	cfg := newConfig("0xu", "0xa")
	if err := s.CreateConfig(ctx, cfg); err != nil {
		t.Fatal(err)
	}

	bad := model.CopyAttempt{ConfigID: cfg.ID, Status: model.AttemptExecuted}
	if err := s.AppendAttempt(ctx, bad); !errors.Is(err, model.ErrInvalidAttempt) {
		t.Fatalf("executed without size: got %v", err)
	}

	attempts := []model.CopyAttempt{
		{ID: "1", ConfigID: cfg.ID, UserWallet: "0xu", Status: model.AttemptExecuted, CopiedSize: d(200)},
		{ID: "2", ConfigID: cfg.ID, UserWallet: "0xu", Status: model.AttemptSkipped, CopiedSize: d(5)},
		{ID: "3", ConfigID: cfg.ID, UserWallet: "0xu", Status: model.AttemptFailed, CopiedSize: d(200)},
		{ID: "4", ConfigID: cfg.ID, UserWallet: "0xu", Status: model.AttemptExecuted, CopiedSize: d(100)},
	}
	for _, a := range attempts {
		if err := s.AppendAttempt(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	latest, _ := s.ListAttempts(ctx, cfg.ID, 2)
	if len(latest) != 2 || latest[0].ID != "4" || latest[1].ID != "3" {
		t.Fatalf("latest = %+v, want ids 4,3", latest)
	}

	open, _ := s.ListOpenAttempts(ctx, "0xU")
	if len(open) != 2 {
		t.Fatalf("open = %d, want 2", len(open))
	}

	if _, err := s.AttachPnl(ctx, "1", d(12.5)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AttachPnl(ctx, "1", d(1)); !errors.Is(err, ErrAttemptNotOpen) {
		t.Errorf("second attach: got %v, want ErrAttemptNotOpen", err)
	}
	if _, err := s.AttachPnl(ctx, "2", d(1)); !errors.Is(err, ErrAttemptNotOpen) {
		t.Errorf("attach to skipped: got %v, want ErrAttemptNotOpen", err)
	}
	if _, err := s.AttachPnl(ctx, "nope", d(1)); !errors.Is(err, ErrNotFound) {
		t.Errorf("attach unknown: got %v, want ErrNotFound", err)
	}

	open, _ = s.ListOpenAttempts(ctx, "0xu")
	if len(open) != 1 || open[0].ID != "4" {
		t.Errorf("open after pnl = %+v, want id 4", open)
	}

	st, _ := s.AttemptStats(ctx, cfg.ID)
	if st.Executed != 2 || st.Skipped != 1 || st.Failed != 1 {
		t.Errorf("stats counts = %+v", st)
	}
	if !st.ExecutedNotional.Equal(d(300)) {
		t.Errorf("executed notional = %s, want 300", st.ExecutedNotional)
	}
	if !st.RealizedPnl.Equal(d(12.5)) {
		t.Errorf("realized pnl = %s, want 12.5", st.RealizedPnl)
	}

	got, _ := s.GetConfig(ctx, cfg.ID)
	if !got.TotalPnl.Equal(d(12.5)) {
		t.Errorf("config total pnl = %s, want 12.5", got.TotalPnl)
	}
}

func TestTrackedWallets(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	added, err := s.AddTrackedWallet(ctx, "0xB", SourceDiscovered)
	if err != nil || !added {
		t.Fatalf("first add = %v, %v", added, err)
	}
	added, _ = s.AddTrackedWallet(ctx, "0xb", SourceAPI)
	if added {
		t.Error("re-adding a wallet must report false")
	}
	if _, err := s.AddTrackedWallet(ctx, "  ", SourceAPI); err == nil {
		t.Error("empty wallet must fail")
	}
	_, _ = s.AddTrackedWallet(ctx, "0xA", SourceSeed)

	list, _ := s.ListTrackedWallets(ctx)
	if len(list) != 2 || list[0].Wallet != "0xa" || list[1].Wallet != "0xb" {
		t.Fatalf("list = %+v", list)
	}
	if list[1].Source != SourceDiscovered {
		t.Errorf("source = %s, want first writer's source", list[1].Source)
	}
}

func TestGetConfigNotFound(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.GetConfig(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if err := s.DeleteConfig(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("delete: got %v, want ErrNotFound", err)
	}
}
