// Package gatewayclient is the websocket adapter for the brokerage gateway.
// Each Conn is one authenticated session speaking a JSON request/response
// protocol: every request carries a client-generated ID, responses echo it,
// and unsolicited frames carry quote pushes.
package gatewayclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"stockHftBot/internal/domain"
	"stockHftBot/internal/ports"
)

const (
	opAuth           = "auth"
	opPing           = "ping"
	opSubmitOrder    = "submit_order"
	opQueryFill      = "query_fill"
	opSubscribeQuote = "subscribe_quote"
	opQuotePush      = "quote"
)

// envelope is the wire frame for both directions. Pushes from the gateway
// have no ID.
type envelope struct {
	ID      string          `json:"id,omitempty"`
	Op      string          `json:"op"`
	OK      bool            `json:"ok,omitempty"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type submitPayload struct {
	ClientOrderID string `json:"client_order_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Qty           int64  `json:"qty"`
	LimitPrice    string `json:"limit_price,omitempty"`
}

type submitReply struct {
	Status         string `json:"status"` // "accepted" or "rejected"
	GatewayOrderID string `json:"gateway_order_id"`
	Reason         string `json:"reason,omitempty"`
}

type fillQueryPayload struct {
	OrderID string `json:"order_id"` // gateway order ID, or client order ID when acceptance was lost
}

type fillReply struct {
	Status string    `json:"status"` // "pending", "done", "rejected", "unknown"
	Qty    int64     `json:"qty"`
	Price  string    `json:"price"`
	Time   time.Time `json:"time"`
	Reason string    `json:"reason,omitempty"`
}

type quotePush struct {
	Symbol string    `json:"symbol"`
	Price  string    `json:"price"`
	Time   time.Time `json:"time"`
}

// Config holds the dialer settings.
type Config struct {
	Host             string
	Port             int
	Env              domain.TradingEnv
	HandshakeTimeout time.Duration // defaults to 10s
	RequestTimeout   time.Duration // per-request cap when caller ctx has no deadline
	Logger           ports.Logger
}

// Dialer establishes authenticated gateway sessions; it implements
// ports.BrokerDialer for the connection pool.
type Dialer struct {
	cfg Config
}

// NewDialer validates the config and returns a dialer.
func NewDialer(cfg Config) (*Dialer, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for gateway dialer")
	}
	if cfg.Host == "" || cfg.Port <= 0 {
		return nil, fmt.Errorf("%w: gateway host and port are required", ports.ErrConfigurationError)
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	return &Dialer{cfg: cfg}, nil
}

// Dial opens the websocket and performs the auth handshake. The returned
// connection is ready for order traffic.
func (d *Dialer) Dial(ctx context.Context) (ports.BrokerConn, error) {
	u := url.URL{Scheme: "ws", Host: fmt.Sprintf("%s:%d", d.cfg.Host, d.cfg.Port), Path: "/api"}

	dialer := websocket.Dialer{HandshakeTimeout: d.cfg.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", ports.ErrConnectionFailed, u.String(), err)
	}

	c := &Conn{
		ws:             ws,
		logger:         d.cfg.Logger,
		requestTimeout: d.cfg.RequestTimeout,
		pending:        make(map[string]chan envelope),
		subs:           make(map[string]func(ports.Quote)),
		closed:         make(chan struct{}),
	}
	go c.readLoop()

	authCtx, cancel := context.WithTimeout(ctx, d.cfg.HandshakeTimeout)
	defer cancel()
	payload, _ := json.Marshal(map[string]string{"env": string(d.cfg.Env)})
	if _, err := c.request(authCtx, opAuth, payload); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("%w: %v", ports.ErrAuthenticationFailed, err)
	}

	d.cfg.Logger.Info(ctx, "Gateway session established", map[string]interface{}{
		"host": d.cfg.Host, "port": d.cfg.Port, "env": string(d.cfg.Env),
	})
	return c, nil
}

// Conn is one authenticated gateway session. Writes are serialized; the read
// loop routes responses to waiting requests and quote pushes to subscribers.
type Conn struct {
	ws             *websocket.Conn
	logger         ports.Logger
	requestTimeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan envelope
	subs    map[string]func(ports.Quote)

	closed    chan struct{}
	closeOnce sync.Once
}

// SubmitOrder places an order and returns the gateway's accept/reject answer.
func (c *Conn) SubmitOrder(ctx context.Context, req ports.OrderRequest) (*ports.SubmitResult, error) {
	p := submitPayload{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          string(req.Side),
		Qty:           req.Qty,
	}
	if req.LimitPrice.IsPositive() {
		p.LimitPrice = req.LimitPrice.String()
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding order %s: %v", ports.ErrInvalidRequest, req.ClientOrderID, err)
	}

	raw, err := c.request(ctx, opSubmitOrder, payload)
	if err != nil {
		return nil, err
	}

	var reply submitReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("decoding submit reply for order %s: %w", req.ClientOrderID, err)
	}
	res := &ports.SubmitResult{GatewayOrderID: reply.GatewayOrderID, Reason: reply.Reason}
	switch reply.Status {
	case "accepted":
		res.Status = ports.SubmitAccepted
	case "rejected":
		res.Status = ports.SubmitRejected
	default:
		return nil, fmt.Errorf("unexpected submit status %q for order %s", reply.Status, req.ClientOrderID)
	}
	return res, nil
}

// QueryFill resolves the execution state of a previously accepted order.
func (c *Conn) QueryFill(ctx context.Context, orderID string) (*ports.FillReport, error) {
	payload, _ := json.Marshal(fillQueryPayload{OrderID: orderID})

	raw, err := c.request(ctx, opQueryFill, payload)
	if err != nil {
		return nil, err
	}

	var reply fillReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("decoding fill reply for order %s: %w", orderID, err)
	}

	report := &ports.FillReport{Qty: reply.Qty, Time: reply.Time, Reason: reply.Reason}
	if reply.Price != "" {
		price, err := decimal.NewFromString(reply.Price)
		if err != nil {
			return nil, fmt.Errorf("corrupt fill price %q for order %s: %w", reply.Price, orderID, err)
		}
		report.Price = price
	}
	switch reply.Status {
	case "pending":
		report.Status = ports.FillPending
	case "done":
		report.Status = ports.FillDone
	case "rejected":
		report.Status = ports.FillRejected
	case "unknown":
		// The gateway has no record of the order; the submission never
		// landed. Terminal, so the caller can free its reservation.
		report.Status = ports.FillRejected
		if report.Reason == "" {
			report.Reason = "order unknown to gateway"
		}
	default:
		return nil, fmt.Errorf("unexpected fill status %q for order %s", reply.Status, orderID)
	}
	return report, nil
}

// SubscribeQuote starts streaming price ticks for a symbol to the handler.
// The handler runs on the read loop and must not block.
func (c *Conn) SubscribeQuote(ctx context.Context, symbol string, handler func(ports.Quote)) error {
	c.mu.Lock()
	c.subs[symbol] = handler
	c.mu.Unlock()

	payload, _ := json.Marshal(map[string]string{"symbol": symbol})
	if _, err := c.request(ctx, opSubscribeQuote, payload); err != nil {
		c.mu.Lock()
		delete(c.subs, symbol)
		c.mu.Unlock()
		return err
	}
	return nil
}

// Ping verifies the session is alive.
func (c *Conn) Ping(ctx context.Context) error {
	_, err := c.request(ctx, opPing, nil)
	return err
}

// Close tears the session down and fails all in-flight requests.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.ws.Close()
	})
	return err
}

// request performs one round trip: register the ID, write the frame, wait
// for the matching response.
func (c *Conn) request(ctx context.Context, op string, payload json.RawMessage) (json.RawMessage, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	id := uuid.New().String()
	ch := make(chan envelope, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	frame := envelope{ID: id, Op: op, Payload: payload}
	c.writeMu.Lock()
	err := c.ws.WriteJSON(frame)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: writing %s frame: %v", ports.ErrConnectionFailed, op, err)
	}

	select {
	case resp := <-ch:
		if !resp.OK {
			if op == opSubmitOrder {
				return nil, fmt.Errorf("%w: %s", ports.ErrGatewayRejected, resp.Error)
			}
			return nil, fmt.Errorf("gateway %s failed: %s", op, resp.Error)
		}
		return resp.Payload, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: awaiting %s response: %v", ports.ErrTimeout, op, ctx.Err())
	case <-c.closed:
		return nil, fmt.Errorf("%w: session closed while awaiting %s response", ports.ErrConnectionFailed, op)
	}
}

// readLoop routes frames until the socket dies. Responses go to the pending
// request with the matching ID; quote pushes go to the symbol's subscriber.
func (c *Conn) readLoop() {
	for {
		var frame envelope
		if err := c.ws.ReadJSON(&frame); err != nil {
			select {
			case <-c.closed:
			default:
				c.logger.Warn(context.Background(), "Gateway session read failed",
					map[string]interface{}{"error": err.Error()})
				_ = c.Close()
			}
			return
		}

		if frame.ID != "" {
			c.mu.Lock()
			ch, ok := c.pending[frame.ID]
			c.mu.Unlock()
			if ok {
				ch <- frame
			}
			continue
		}

		if frame.Op == opQuotePush {
			c.dispatchQuote(frame.Payload)
		}
	}
}

func (c *Conn) dispatchQuote(payload json.RawMessage) {
	var push quotePush
	if err := json.Unmarshal(payload, &push); err != nil {
		c.logger.Warn(context.Background(), "Malformed quote push dropped",
			map[string]interface{}{"error": err.Error()})
		return
	}
	price, err := decimal.NewFromString(push.Price)
	if err != nil {
		c.logger.Warn(context.Background(), "Quote push with corrupt price dropped",
			map[string]interface{}{"symbol": push.Symbol, "price": push.Price})
		return
	}

	c.mu.Lock()
	handler := c.subs[push.Symbol]
	c.mu.Unlock()
	if handler != nil {
		handler(ports.Quote{Symbol: push.Symbol, Price: price, Time: push.Time})
	}
}
