package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockHftBot/internal/connpool"
	"stockHftBot/internal/domain"
	"stockHftBot/internal/ports"
	"stockHftBot/internal/session"
)

// --- Fakes ---

type scriptedConn struct {
	mu          sync.Mutex
	submitRes   *ports.SubmitResult
	submitErr   error
	fillReports []*ports.FillReport // consumed one per QueryFill, last repeats
	lastRequest ports.OrderRequest
	submitCalls int
	queryCalls  int
}

func (c *scriptedConn) SubmitOrder(ctx context.Context, req ports.OrderRequest) (*ports.SubmitResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitCalls++
	c.lastRequest = req
	if c.submitErr != nil {
		return nil, c.submitErr
	}
	return c.submitRes, nil
}

func (c *scriptedConn) QueryFill(ctx context.Context, gatewayOrderID string) (*ports.FillReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queryCalls++
	report := c.fillReports[0]
	if len(c.fillReports) > 1 {
		c.fillReports = c.fillReports[1:]
	}
	return report, nil
}

func (c *scriptedConn) SubscribeQuote(ctx context.Context, symbol string, handler func(ports.Quote)) error {
	return nil
}
func (c *scriptedConn) Ping(ctx context.Context) error { return nil }
func (c *scriptedConn) Close() error                   { return nil }

func (c *scriptedConn) request() ports.OrderRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRequest
}

func (c *scriptedConn) setReports(reports ...*ports.FillReport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fillReports = reports
}

type singleConnDialer struct{ conn *scriptedConn }

func (d *singleConnDialer) Dial(ctx context.Context) (ports.BrokerConn, error) {
	return d.conn, nil
}

type stubPositions map[string]int64

func (s stubPositions) Position(symbol string) int64 { return s[symbol] }

type nopLogger struct{}

func (nopLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (nopLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (nopLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (nopLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// regularHours is a Tuesday 11:00 ET.
var regularHours = time.Date(2025, 6, 10, 15, 0, 0, 0, time.UTC)

// preMarketHours is the same Tuesday 08:00 ET.
var preMarketHours = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

func newTestExecutor(t *testing.T, conn *scriptedConn, positions stubPositions, at time.Time) (*Executor, *connpool.Pool) {
	t.Helper()
	pool, err := connpool.New(context.Background(), connpool.Config{
		Size:                 1,
		AcquireTimeout:       time.Second,
		HeartbeatInterval:    time.Hour,
		ReconnectBaseDelay:   time.Millisecond,
		ReconnectMaxDelay:    5 * time.Millisecond,
		MaxReconnectAttempts: 1,
	}, &singleConnDialer{conn: conn}, nopLogger{})
	require.NoError(t, err)
	t.Cleanup(pool.Shutdown)

	sessions, err := session.New(session.Config{
		AllowPreMarket: true,
		Now:            func() time.Time { return at },
	})
	require.NoError(t, err)
	exec, err := New(Config{
		OrderTimeout: 100 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	}, pool, sessions, positions, nopLogger{})
	require.NoError(t, err)
	return exec, pool
}

func filled(qty int64, price string) *ports.FillReport {
	p, _ := decimal.NewFromString(price)
	return &ports.FillReport{Status: ports.FillDone, Qty: qty, Price: p, Time: regularHours}
}

var pending = &ports.FillReport{Status: ports.FillPending}

// --- Tests ---

func TestLongFillsAndReportsPositiveDelta(t *testing.T) {
	conn := &scriptedConn{
		submitRes:   &ports.SubmitResult{Status: ports.SubmitAccepted, GatewayOrderID: "gw-1"},
		fillReports: []*ports.FillReport{filled(10, "100.50")},
	}
	exec, _ := newTestExecutor(t, conn, stubPositions{}, regularHours)

	res, err := exec.Long(context.Background(), "TQQQ", 10, decimal.NewFromInt(100))
	require.NoError(t, err)
	require.NotNil(t, res.Fill)

	assert.Equal(t, domain.OrderFilled, res.Order.Status)
	assert.Equal(t, "gw-1", res.Order.GatewayOrderID)
	assert.Equal(t, int64(10), res.Fill.PositionDelta)
	assert.True(t, res.Fill.Price.Equal(decimal.RequireFromString("100.50")))
	assert.Equal(t, domain.SideLong, conn.request().Side)
}

func TestShortFillsWithNegativeDelta(t *testing.T) {
	conn := &scriptedConn{
		submitRes:   &ports.SubmitResult{Status: ports.SubmitAccepted, GatewayOrderID: "gw-2"},
		fillReports: []*ports.FillReport{filled(5, "99.00")},
	}
	exec, _ := newTestExecutor(t, conn, stubPositions{}, regularHours)

	res, err := exec.Short(context.Background(), "TQQQ", 5, decimal.NewFromInt(100))
	require.NoError(t, err)
	require.NotNil(t, res.Fill)
	assert.Equal(t, int64(-5), res.Fill.PositionDelta)
	assert.Equal(t, domain.SideShort, conn.request().Side)
}

func TestRejectionKeepsVerbatimReason(t *testing.T) {
	conn := &scriptedConn{
		submitRes: &ports.SubmitResult{Status: ports.SubmitRejected, Reason: "insufficient buying power"},
	}
	exec, _ := newTestExecutor(t, conn, stubPositions{}, regularHours)

	res, err := exec.Long(context.Background(), "TQQQ", 10, decimal.NewFromInt(100))
	require.NoError(t, err, "a business rejection is not a transport error")
	assert.Nil(t, res.Fill)
	assert.Equal(t, domain.OrderRejected, res.Order.Status)
	assert.Equal(t, "insufficient buying power", res.Order.RejectReason)
}

func TestTimeoutLeavesOrderPending(t *testing.T) {
	conn := &scriptedConn{
		submitRes:   &ports.SubmitResult{Status: ports.SubmitAccepted, GatewayOrderID: "gw-3"},
		fillReports: []*ports.FillReport{pending},
	}
	exec, _ := newTestExecutor(t, conn, stubPositions{}, regularHours)

	res, err := exec.Long(context.Background(), "TQQQ", 10, decimal.NewFromInt(100))
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrTimeout)
	assert.Equal(t, domain.OrderPending, res.Order.Status)
	assert.Equal(t, "gw-3", res.Order.GatewayOrderID, "the accepted order must stay attributable")
}

func TestReconcileResolvesPendingOrder(t *testing.T) {
	conn := &scriptedConn{
		submitRes:   &ports.SubmitResult{Status: ports.SubmitAccepted, GatewayOrderID: "gw-4"},
		fillReports: []*ports.FillReport{pending},
	}
	exec, _ := newTestExecutor(t, conn, stubPositions{}, regularHours)

	res, err := exec.Long(context.Background(), "TQQQ", 10, decimal.NewFromInt(100))
	require.ErrorIs(t, err, ports.ErrTimeout)

	// The fill arrives later; Reconcile picks it up without resubmitting.
	conn.setReports(filled(10, "100.10"))
	recon, err := exec.Reconcile(context.Background(), res.Order)
	require.NoError(t, err)
	require.NotNil(t, recon.Fill)
	assert.Equal(t, domain.OrderFilled, recon.Order.Status)
	assert.Equal(t, 1, conn.submitCalls, "reconciliation must never resubmit")
}

func TestReconcileStillPending(t *testing.T) {
	conn := &scriptedConn{
		submitRes:   &ports.SubmitResult{Status: ports.SubmitAccepted, GatewayOrderID: "gw-5"},
		fillReports: []*ports.FillReport{pending},
	}
	exec, _ := newTestExecutor(t, conn, stubPositions{}, regularHours)

	res, err := exec.Long(context.Background(), "TQQQ", 10, decimal.NewFromInt(100))
	require.ErrorIs(t, err, ports.ErrTimeout)

	_, err = exec.Reconcile(context.Background(), res.Order)
	assert.ErrorIs(t, err, ports.ErrTimeout)
}

func TestFlatNoPositionIsNoOp(t *testing.T) {
	conn := &scriptedConn{}
	exec, _ := newTestExecutor(t, conn, stubPositions{}, regularHours)

	res, err := exec.Flat(context.Background(), "TQQQ", decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, res.Order.Status)
	assert.Nil(t, res.Fill)
	assert.Zero(t, conn.submitCalls, "a no-op flatten must not touch the gateway")
}

func TestFlatOffsetsShortPosition(t *testing.T) {
	conn := &scriptedConn{
		submitRes:   &ports.SubmitResult{Status: ports.SubmitAccepted, GatewayOrderID: "gw-6"},
		fillReports: []*ports.FillReport{filled(7, "100.00")},
	}
	exec, _ := newTestExecutor(t, conn, stubPositions{"TQQQ": -7}, regularHours)

	res, err := exec.Flat(context.Background(), "TQQQ", decimal.NewFromInt(100))
	require.NoError(t, err)
	require.NotNil(t, res.Fill)
	assert.Equal(t, int64(7), res.Fill.PositionDelta, "covering a short buys")
	assert.Equal(t, int64(7), conn.request().Qty)
	assert.Equal(t, domain.SideLong, conn.request().Side)
}

func TestMarketOrdersOnlyInRegularSession(t *testing.T) {
	conn := &scriptedConn{
		submitRes:   &ports.SubmitResult{Status: ports.SubmitAccepted, GatewayOrderID: "gw-7"},
		fillReports: []*ports.FillReport{filled(10, "100.00")},
	}
	exec, _ := newTestExecutor(t, conn, stubPositions{}, regularHours)
	_, err := exec.Long(context.Background(), "TQQQ", 10, decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.True(t, conn.request().LimitPrice.IsZero(), "regular session uses market orders")

	conn2 := &scriptedConn{
		submitRes:   &ports.SubmitResult{Status: ports.SubmitAccepted, GatewayOrderID: "gw-8"},
		fillReports: []*ports.FillReport{filled(10, "100.00")},
	}
	exec2, _ := newTestExecutor(t, conn2, stubPositions{}, preMarketHours)
	_, err = exec2.Long(context.Background(), "TQQQ", 10, decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.True(t, conn2.request().LimitPrice.Equal(decimal.NewFromInt(100)),
		"outside the regular session orders are priced as limits")
}

func TestInvalidQuantityRejected(t *testing.T) {
	conn := &scriptedConn{}
	exec, _ := newTestExecutor(t, conn, stubPositions{}, regularHours)

	_, err := exec.Long(context.Background(), "TQQQ", 0, decimal.NewFromInt(100))
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)
}
