package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockHftBot/internal/domain"
)

type nopLogger struct{}

func (nopLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (nopLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (nopLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (nopLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(Config{
		DBPath: filepath.Join(t.TempDir(), "trading.db"),
		Logger: nopLogger{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func logEntry(at time.Time, symbol string, qty int64, price, cash string) *domain.TradeLogEntry {
	side := domain.SideLong
	if qty < 0 {
		side = domain.SideShort
	}
	return &domain.TradeLogEntry{
		Date:              at,
		Symbol:            symbol,
		Side:              side,
		Qty:               qty,
		Price:             decimal.RequireFromString(price),
		ResultingPosition: qty,
		ResultingCash:     decimal.RequireFromString(cash),
	}
}

func TestNewRepositoryRequiresLogger(t *testing.T) {
	_, err := NewRepository(Config{DBPath: "x.db"})
	assert.Error(t, err)
}

func TestAppendAssignsSequentialIDs(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	e1 := logEntry(now, "TQQQ", 100, "42.50", "45750")
	id1, err := repo.Append(ctx, e1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id1)
	assert.Equal(t, id1, e1.ID)

	id2, err := repo.Append(ctx, logEntry(now, "TQQQ", -100, "43.00", "50050"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), id2)
}

func TestAllPreservesOrderAndDecimals(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := repo.Append(ctx, logEntry(now, "TQQQ", 100, "42.53", "45747"))
	require.NoError(t, err)
	_, err = repo.Append(ctx, logEntry(now.Add(time.Minute), "SPXL", -30, "151.27", "50285.1"))
	require.NoError(t, err)

	entries, err := repo.All(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "TQQQ", entries[0].Symbol)
	assert.Equal(t, int64(100), entries[0].Qty)
	assert.True(t, entries[0].Price.Equal(decimal.RequireFromString("42.53")),
		"price must round-trip exactly, got %s", entries[0].Price)
	assert.Equal(t, domain.SideShort, entries[1].Side)
	assert.True(t, entries[1].ResultingCash.Equal(decimal.RequireFromString("50285.1")))
	assert.WithinDuration(t, now, entries[0].Date, time.Second)
}

func TestSinceFiltersByTime(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-2 * time.Hour)

	_, err := repo.Append(ctx, logEntry(base, "TQQQ", 10, "40", "49600"))
	require.NoError(t, err)
	_, err = repo.Append(ctx, logEntry(base.Add(time.Hour), "TQQQ", 10, "41", "49190"))
	require.NoError(t, err)

	entries, err := repo.Since(ctx, base.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Price.Equal(decimal.RequireFromString("41")))
}

func TestCountToday(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.Append(ctx, logEntry(time.Now(), "TQQQ", 10, "40", "49600"))
	require.NoError(t, err)
	_, err = repo.Append(ctx, logEntry(time.Now().AddDate(0, 0, -2), "TQQQ", 10, "40", "49200"))
	require.NoError(t, err)

	count, err := repo.CountToday(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPersistedLogReplaysToSameState(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	initial := decimal.NewFromInt(50000)
	live := domain.NewAccountState(initial)
	fills := []domain.Fill{
		{Symbol: "TQQQ", Side: domain.SideLong, Qty: 100, PositionDelta: 100, Price: decimal.RequireFromString("42.53"), Time: now},
		{Symbol: "TQQQ", Side: domain.SideShort, Qty: 40, PositionDelta: -40, Price: decimal.RequireFromString("43.10"), Time: now.Add(time.Minute)},
	}
	for _, f := range fills {
		live.ApplyFill(f)
		_, err := repo.Append(ctx, &domain.TradeLogEntry{
			Date:              f.Time,
			Symbol:            f.Symbol,
			Side:              f.Side,
			Qty:               f.PositionDelta,
			Price:             f.Price,
			ResultingPosition: live.Positions[f.Symbol],
			ResultingCash:     live.Cash,
		})
		require.NoError(t, err)
	}

	entries, err := repo.All(ctx)
	require.NoError(t, err)
	replayed := domain.ReplayTradeLog(initial, entries)

	assert.True(t, replayed.Cash.Equal(live.Cash),
		"replayed cash %s != live cash %s", replayed.Cash, live.Cash)
	assert.Equal(t, live.Positions["TQQQ"], replayed.Positions["TQQQ"])
}
