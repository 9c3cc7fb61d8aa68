// Package decision adapts the external decision process (the AI layer) to
// the ports.DecisionProvider interface. Decisions are pulled over HTTP: the
// endpoint answers with the next directional intent, or 204 when it has none.
package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"stockHftBot/internal/domain"
	"stockHftBot/internal/ports"
)

// Config holds the decision endpoint settings.
type Config struct {
	URL     string
	Timeout time.Duration
	Logger  ports.Logger
}

// Client polls the decision endpoint. It implements ports.DecisionProvider.
type Client struct {
	cfg    Config
	client *http.Client
}

// wire format of one decision.
type decisionPayload struct {
	Symbol         string `json:"symbol"`
	Side           string `json:"side"` // "long", "short", "flat"
	Qty            int64  `json:"qty"`
	ReferencePrice string `json:"reference_price"`
	Rationale      string `json:"rationale,omitempty"`
}

// New creates the decision client.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for decision client")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: decision URL is required", ports.ErrConfigurationError)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Client{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

// NextDecision fetches the next intent. A 204 answer means no action and
// returns (nil, nil).
func (c *Client) NextDecision(ctx context.Context) (*domain.Decision, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("building decision request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching decision: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("decision endpoint returned status %d", resp.StatusCode)
	}

	var payload decisionPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding decision: %w", err)
	}

	side := domain.Side(payload.Side)
	switch side {
	case domain.SideLong, domain.SideShort, domain.SideFlat:
	default:
		return nil, fmt.Errorf("%w: unknown decision side %q", ports.ErrInvalidRequest, payload.Side)
	}

	price := decimal.Zero
	if payload.ReferencePrice != "" {
		price, err = decimal.NewFromString(payload.ReferencePrice)
		if err != nil {
			return nil, fmt.Errorf("%w: bad reference price %q: %v", ports.ErrInvalidRequest, payload.ReferencePrice, err)
		}
	}

	return &domain.Decision{
		Symbol:         payload.Symbol,
		Side:           side,
		Qty:            payload.Qty,
		ReferencePrice: price,
		Rationale:      payload.Rationale,
	}, nil
}
