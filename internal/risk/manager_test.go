package risk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockHftBot/internal/domain"
	"stockHftBot/internal/session"
)

// --- Mocks ---

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type mockTradeLog struct {
	mu        sync.Mutex
	entries   []*domain.TradeLogEntry
	appendErr error
}

func (m *mockTradeLog) Append(ctx context.Context, entry *domain.TradeLogEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return 0, m.appendErr
	}
	entry.ID = int64(len(m.entries) + 1)
	m.entries = append(m.entries, entry)
	return entry.ID, nil
}

func (m *mockTradeLog) All(ctx context.Context) ([]*domain.TradeLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.TradeLogEntry, len(m.entries))
	copy(out, m.entries)
	return out, nil
}

func (m *mockTradeLog) Since(ctx context.Context, t time.Time) ([]*domain.TradeLogEntry, error) {
	return m.All(ctx)
}

func (m *mockTradeLog) CountToday(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries), nil
}

type mockAlertSink struct {
	mu     sync.Mutex
	alerts []domain.Alert
}

func (m *mockAlertSink) Send(ctx context.Context, alert domain.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, alert)
	return nil
}

func (m *mockAlertSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.alerts)
}

// blockingAlertSink stalls every Send until release is closed.
type blockingAlertSink struct {
	mockAlertSink
	release chan struct{}
}

func (s *blockingAlertSink) Send(ctx context.Context, alert domain.Alert) error {
	<-s.release
	return s.mockAlertSink.Send(ctx, alert)
}

// regularHours is a Tuesday 11:00 ET, inside the regular session.
var regularHours = time.Date(2025, 6, 10, 15, 0, 0, 0, time.UTC)

// weekend is a Sunday.
var weekend = time.Date(2025, 6, 8, 15, 0, 0, 0, time.UTC)

type fixture struct {
	mgr      *Manager
	tradeLog *mockTradeLog
	alerts   *mockAlertSink
	now      func() time.Time
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	now := regularHours
	cfg := Config{
		MaxPositionPerSymbol: decimal.NewFromFloat(0.20),
		DailyLossLimit:       decimal.NewFromFloat(0.03),
		MaxDrawdown:          decimal.NewFromFloat(0.15),
		MaxSlippage:          decimal.NewFromFloat(0.002),
		MaxOrderValue:        decimal.NewFromInt(50000),
		MinOrderInterval:     0,
		MaxOrdersPerMinute:   100,
		ConsecutiveLossLimit: 5,
		SlippageStreakLimit:  3,
		SlippageStreakWindow: 5 * time.Minute,
		AllowFlattenHalted:   true,
		EnableShort:          true,
		Now:                  func() time.Time { return now },
	}
	if mutate != nil {
		mutate(&cfg)
	}

	sessions, err := session.New(session.Config{Now: cfg.Now})
	require.NoError(t, err)
	tradeLog := &mockTradeLog{}
	alerts := &mockAlertSink{}
	mgr, err := NewManager(cfg, sessions, tradeLog, alerts, &mockLogger{}, decimal.NewFromInt(50000))
	require.NoError(t, err)

	return &fixture{mgr: mgr, tradeLog: tradeLog, alerts: alerts, now: cfg.Now}
}

func testFill(symbol string, delta int64, price string) domain.Fill {
	side := domain.SideLong
	if delta < 0 {
		side = domain.SideShort
	}
	qty := delta
	if qty < 0 {
		qty = -qty
	}
	return domain.Fill{
		OrderID:       "order-1",
		Symbol:        symbol,
		Side:          side,
		Qty:           qty,
		PositionDelta: delta,
		Price:         dec(price),
		Time:          regularHours,
	}
}

// --- Tests ---

func TestNewManagerValidation(t *testing.T) {
	sessions, err := session.New(session.Config{})
	require.NoError(t, err)
	cfg := Config{
		MaxPositionPerSymbol: decimal.NewFromFloat(0.2),
		DailyLossLimit:       decimal.NewFromFloat(0.03),
		MaxDrawdown:          decimal.NewFromFloat(0.15),
		MaxSlippage:          decimal.NewFromFloat(0.002),
		MaxOrderValue:        decimal.NewFromInt(50000),
		MaxOrdersPerMinute:   60,
	}

	_, err = NewManager(cfg, sessions, &mockTradeLog{}, &mockAlertSink{}, nil, decimal.NewFromInt(50000))
	assert.Error(t, err, "nil logger must be rejected")

	_, err = NewManager(cfg, sessions, &mockTradeLog{}, &mockAlertSink{}, &mockLogger{}, decimal.Zero)
	assert.Error(t, err, "non-positive initial cash must be rejected")

	bad := cfg
	bad.MaxDrawdown = decimal.Zero
	_, err = NewManager(bad, sessions, &mockTradeLog{}, &mockAlertSink{}, &mockLogger{}, decimal.NewFromInt(50000))
	assert.Error(t, err, "zero risk limits must be rejected")
}

func TestPreTradeCheckApproves(t *testing.T) {
	f := newFixture(t, nil)
	res := f.mgr.PreTradeCheck(context.Background(), "TQQQ", domain.SideLong, 10, dec("100"))
	assert.True(t, res.Allowed)
	assert.Equal(t, domain.ReasonOK, res.Reason)
	assert.Equal(t, int64(10), f.mgr.PendingReservation("TQQQ"))
}

func TestPreTradeCheckSessionClosed(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Now = func() time.Time { return weekend }
	})
	res := f.mgr.PreTradeCheck(context.Background(), "TQQQ", domain.SideLong, 10, dec("100"))
	assert.False(t, res.Allowed)
	assert.Equal(t, domain.ReasonSessionClosed, res.Reason)
	assert.Zero(t, f.mgr.PendingReservation("TQQQ"))
}

func TestPreTradeCheckExposureCountsReservations(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// Limit is 20% of 50000 equity = 10000 notional.
	res := f.mgr.PreTradeCheck(ctx, "TQQQ", domain.SideLong, 90, dec("100"))
	require.True(t, res.Allowed)

	// 90 reserved + 20 requested = 110 shares * 100 = 11000 > 10000.
	res = f.mgr.PreTradeCheck(ctx, "TQQQ", domain.SideLong, 20, dec("100"))
	assert.False(t, res.Allowed)
	assert.Equal(t, domain.ReasonPositionLimit, res.Reason)

	// Releasing the first reservation makes room again.
	f.mgr.ReleaseReservation("TQQQ", 90)
	res = f.mgr.PreTradeCheck(ctx, "TQQQ", domain.SideLong, 20, dec("100"))
	assert.True(t, res.Allowed)
}

func TestPreTradeCheckOrderValueCap(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		// Lift the exposure limit so the value cap is what rejects.
		cfg.MaxPositionPerSymbol = decimal.NewFromInt(2)
	})
	res := f.mgr.PreTradeCheck(context.Background(), "TQQQ", domain.SideLong, 600, dec("100"))
	assert.False(t, res.Allowed)
	assert.Equal(t, domain.ReasonOrderValue, res.Reason)
}

func TestPreTradeCheckMinInterval(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.MinOrderInterval = 500 * time.Millisecond
	})
	ctx := context.Background()

	res := f.mgr.PreTradeCheck(ctx, "TQQQ", domain.SideLong, 1, dec("100"))
	require.True(t, res.Allowed)

	// The clock has not advanced, so the second order is inside the interval.
	res = f.mgr.PreTradeCheck(ctx, "TQQQ", domain.SideLong, 1, dec("100"))
	assert.False(t, res.Allowed)
	assert.Equal(t, domain.ReasonOrderRate, res.Reason)
}

func TestPreTradeCheckRateCap(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.MaxOrdersPerMinute = 2
	})
	ctx := context.Background()

	require.True(t, f.mgr.PreTradeCheck(ctx, "TQQQ", domain.SideLong, 1, dec("100")).Allowed)
	require.True(t, f.mgr.PreTradeCheck(ctx, "TQQQ", domain.SideLong, 1, dec("100")).Allowed)

	res := f.mgr.PreTradeCheck(ctx, "TQQQ", domain.SideLong, 1, dec("100"))
	assert.False(t, res.Allowed)
	assert.Equal(t, domain.ReasonOrderRate, res.Reason)
}

func TestPreTradeCheckShortDisabled(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.EnableShort = false
	})
	res := f.mgr.PreTradeCheck(context.Background(), "TQQQ", domain.SideShort, 10, dec("100"))
	assert.False(t, res.Allowed)
	assert.Equal(t, domain.ReasonShortDisabled, res.Reason)
}

func TestHaltBlocksButFlattenBypasses(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// Open a position first, then halt.
	require.True(t, f.mgr.PreTradeCheck(ctx, "TQQQ", domain.SideLong, 10, dec("100")).Allowed)
	require.NoError(t, f.mgr.PostTradeCheck(ctx, testFill("TQQQ", 10, "100"), dec("100")))

	f.mgr.ForceHalt("test halt")
	require.True(t, f.mgr.Halted())

	res := f.mgr.PreTradeCheck(ctx, "TQQQ", domain.SideLong, 1, dec("100"))
	assert.False(t, res.Allowed)
	assert.Equal(t, domain.ReasonCircuitBreaker, res.Reason)

	res = f.mgr.PreTradeCheck(ctx, "TQQQ", domain.SideFlat, 10, dec("100"))
	assert.True(t, res.Allowed, "flatten must bypass the halt when the policy allows it")
}

func TestHaltBlocksFlattenWhenPolicyDisallows(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.AllowFlattenHalted = false
	})
	ctx := context.Background()
	require.True(t, f.mgr.PreTradeCheck(ctx, "TQQQ", domain.SideLong, 10, dec("100")).Allowed)
	require.NoError(t, f.mgr.PostTradeCheck(ctx, testFill("TQQQ", 10, "100"), dec("100")))

	f.mgr.ForceHalt("test halt")
	res := f.mgr.PreTradeCheck(ctx, "TQQQ", domain.SideFlat, 10, dec("100"))
	assert.False(t, res.Allowed)
	assert.Equal(t, domain.ReasonCircuitBreaker, res.Reason)
}

func TestPostTradeCheckAccounting(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.True(t, f.mgr.PreTradeCheck(ctx, "TQQQ", domain.SideLong, 10, dec("100")).Allowed)
	require.NoError(t, f.mgr.PostTradeCheck(ctx, testFill("TQQQ", 10, "100"), dec("100")))

	assert.Equal(t, int64(10), f.mgr.Position("TQQQ"))
	assert.Zero(t, f.mgr.PendingReservation("TQQQ"), "the fill must consume the reservation")

	require.True(t, f.mgr.PreTradeCheck(ctx, "TQQQ", domain.SideFlat, 10, dec("90")).Allowed)
	require.NoError(t, f.mgr.PostTradeCheck(ctx, testFill("TQQQ", -10, "90"), dec("90")))

	assert.Zero(t, f.mgr.Position("TQQQ"))

	// The persisted log replays to the live state.
	entries, err := f.tradeLog.All(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	replayed := domain.ReplayTradeLog(decimal.NewFromInt(50000), entries)
	snap := f.mgr.Snapshot()
	assert.True(t, replayed.Cash.Equal(snap.Cash),
		"replayed cash %s != live cash %s", replayed.Cash, snap.Cash)
}

func TestUnrealizedLossTripsBreaker(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.True(t, f.mgr.PreTradeCheck(ctx, "TQQQ", domain.SideLong, 100, dec("100")).Allowed)
	require.NoError(t, f.mgr.PostTradeCheck(ctx, testFill("TQQQ", 100, "100"), dec("100")))
	require.False(t, f.mgr.Halted())

	// Mark down to 85: equity 48500, a 3% session loss.
	f.mgr.UpdateMark("TQQQ", dec("85"))
	assert.True(t, f.mgr.Halted(), "unrealized losses must count toward the daily loss limit")
	assert.Eventually(t, func() bool { return f.alerts.count() >= 1 },
		time.Second, 10*time.Millisecond, "a trip must raise an alert")
}

func TestTripAlertNeverBlocksMarkUpdates(t *testing.T) {
	cfg := Config{
		MaxPositionPerSymbol: decimal.NewFromFloat(0.20),
		DailyLossLimit:       decimal.NewFromFloat(0.03),
		MaxDrawdown:          decimal.NewFromFloat(0.15),
		MaxSlippage:          decimal.NewFromFloat(0.002),
		MaxOrderValue:        decimal.NewFromInt(50000),
		MaxOrdersPerMinute:   100,
		ConsecutiveLossLimit: 5,
		SlippageStreakLimit:  3,
		SlippageStreakWindow: 5 * time.Minute,
		AllowFlattenHalted:   true,
		EnableShort:          true,
		Now:                  func() time.Time { return regularHours },
	}
	sessions, err := session.New(session.Config{Now: cfg.Now})
	require.NoError(t, err)
	sink := &blockingAlertSink{release: make(chan struct{})}
	mgr, err := NewManager(cfg, sessions, &mockTradeLog{}, sink, &mockLogger{}, decimal.NewFromInt(50000))
	require.NoError(t, err)

	ctx := context.Background()
	require.True(t, mgr.PreTradeCheck(ctx, "TQQQ", domain.SideLong, 100, dec("100")).Allowed)
	require.NoError(t, mgr.PostTradeCheck(ctx, testFill("TQQQ", 100, "100"), dec("100")))

	// Marking down to 85 trips the breaker. UpdateMark runs on the quote read
	// loop, so it must return even while the alert sink is stuck.
	done := make(chan struct{})
	go func() {
		mgr.UpdateMark("TQQQ", dec("85"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("UpdateMark stalled behind the alert sink")
	}
	require.True(t, mgr.Halted())

	close(sink.release)
	assert.Eventually(t, func() bool { return sink.count() >= 1 },
		time.Second, 10*time.Millisecond, "the trip alert must still be delivered")
}

func TestSlippageStreakForcesHalt(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// Three fills in a row slip more than 0.2% against a 3-in-5m streak limit.
	for i := 0; i < 3; i++ {
		require.True(t, f.mgr.PreTradeCheck(ctx, "TQQQ", domain.SideLong, 1, dec("100")).Allowed)
		require.NoError(t, f.mgr.PostTradeCheck(ctx, testFill("TQQQ", 1, "101"), dec("100")))
	}
	assert.True(t, f.mgr.Halted(), "a slippage streak must force-trip the breaker")
}

func TestSessionResetReopensTrading(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.mgr.ForceHalt("end of day")
	require.True(t, f.mgr.Halted())

	f.mgr.SessionReset(ctx)
	assert.False(t, f.mgr.Halted())
	snap := f.mgr.Snapshot()
	assert.True(t, snap.SessionStartEquity.Equal(snap.Equity))
}

func TestRestoreRebuildsPositions(t *testing.T) {
	f := newFixture(t, nil)
	f.mgr.Restore([]*domain.TradeLogEntry{
		{Date: regularHours, Symbol: "TQQQ", Side: domain.SideLong, Qty: 40, Price: dec("100")},
		{Date: regularHours, Symbol: "TQQQ", Side: domain.SideShort, Qty: -15, Price: dec("110")},
	})
	assert.Equal(t, int64(25), f.mgr.Position("TQQQ"))
	snap := f.mgr.Snapshot()
	assert.True(t, snap.SessionStartEquity.Equal(snap.Equity),
		"restore must re-anchor the session start equity")
}

func TestConcurrentSameSymbolChecksSerialize(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// Each order is 90 shares at 100 = 9000 notional against a 10000 limit,
	// so exactly one of the concurrent checks can pass.
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := f.mgr.PreTradeCheck(ctx, "TQQQ", domain.SideLong, 90, dec("100"))
			if res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, allowed, "reservations must prevent concurrent limit overruns")
	assert.Equal(t, int64(90), f.mgr.PendingReservation("TQQQ"))
}

func TestAppendFailureDoesNotBlockAccounting(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.tradeLog.appendErr = assert.AnError

	require.True(t, f.mgr.PreTradeCheck(ctx, "TQQQ", domain.SideLong, 10, dec("100")).Allowed)
	require.NoError(t, f.mgr.PostTradeCheck(ctx, testFill("TQQQ", 10, "100"), dec("100")))

	assert.Equal(t, int64(10), f.mgr.Position("TQQQ"),
		"a persistence failure must not lose the in-memory fill")
	assert.Eventually(t, func() bool { return f.alerts.count() >= 1 },
		time.Second, 10*time.Millisecond, "the failure must be surfaced as an alert")
}
