package risk

import (
	"sync"

	"github.com/shopspring/decimal"
)

// DrawdownLevel grades the current drawdown severity.
type DrawdownLevel int

const (
	DrawdownNormal DrawdownLevel = iota
	DrawdownWarning
	DrawdownCritical
	DrawdownExceeded
)

// String returns the string representation of the DrawdownLevel.
func (l DrawdownLevel) String() string {
	switch l {
	case DrawdownNormal:
		return "normal"
	case DrawdownWarning:
		return "warning"
	case DrawdownCritical:
		return "critical"
	case DrawdownExceeded:
		return "exceeded"
	default:
		return "unknown"
	}
}

// DrawdownConfig holds the drawdown thresholds. Warning and Critical are
// advisory; MaxDrawdown is the breach.
type DrawdownConfig struct {
	MaxDrawdown       decimal.Decimal
	WarningThreshold  decimal.Decimal // defaults to 0.05
	CriticalThreshold decimal.Decimal // defaults to 0.10
}

// DrawdownMonitor tracks the running equity peak and the decline from it.
// Peak equity is monotonic: it only ever increases. A breach is sticky and
// cleared only by an explicit Reset from the orchestrator, never by equity
// recovering on its own.
type DrawdownMonitor struct {
	mu       sync.Mutex
	cfg      DrawdownConfig
	peak     decimal.Decimal
	current  decimal.Decimal
	ddPct    decimal.Decimal
	maxDDPct decimal.Decimal
	breached bool
	onAlert  func(level DrawdownLevel, ddPct decimal.Decimal)
}

// NewDrawdownMonitor creates a monitor seeded with the initial equity.
func NewDrawdownMonitor(cfg DrawdownConfig, initialEquity decimal.Decimal) *DrawdownMonitor {
	if cfg.WarningThreshold.IsZero() {
		cfg.WarningThreshold = decimal.NewFromFloat(0.05)
	}
	if cfg.CriticalThreshold.IsZero() {
		cfg.CriticalThreshold = decimal.NewFromFloat(0.10)
	}
	return &DrawdownMonitor{
		cfg:     cfg,
		peak:    initialEquity,
		current: initialEquity,
	}
}

// SetAlertHandler registers a callback invoked, outside the lock, whenever an
// update lands in a non-normal severity band.
func (d *DrawdownMonitor) SetAlertHandler(handler func(level DrawdownLevel, ddPct decimal.Decimal)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onAlert = handler
}

// Update records the current equity and returns the resulting severity.
func (d *DrawdownMonitor) Update(currentEquity decimal.Decimal) DrawdownLevel {
	d.mu.Lock()

	d.current = currentEquity
	if currentEquity.GreaterThan(d.peak) {
		d.peak = currentEquity
	}
	if d.peak.IsPositive() {
		d.ddPct = d.peak.Sub(currentEquity).Div(d.peak)
	} else {
		d.ddPct = decimal.Zero
	}
	if d.ddPct.IsNegative() {
		d.ddPct = decimal.Zero
	}
	if d.ddPct.GreaterThan(d.maxDDPct) {
		d.maxDDPct = d.ddPct
	}

	level := d.levelLocked()
	if level == DrawdownExceeded {
		d.breached = true
	}
	handler := d.onAlert
	ddPct := d.ddPct
	d.mu.Unlock()

	if level != DrawdownNormal && handler != nil {
		handler(level, ddPct)
	}
	return level
}

func (d *DrawdownMonitor) levelLocked() DrawdownLevel {
	switch {
	case d.ddPct.GreaterThan(d.cfg.MaxDrawdown):
		return DrawdownExceeded
	case d.ddPct.GreaterThanOrEqual(d.cfg.CriticalThreshold):
		return DrawdownCritical
	case d.ddPct.GreaterThanOrEqual(d.cfg.WarningThreshold):
		return DrawdownWarning
	default:
		return DrawdownNormal
	}
}

// IsBreached reports whether the drawdown ceiling has ever been exceeded
// since the last Reset.
func (d *DrawdownMonitor) IsBreached() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.breached
}

// Reset clears the breach flag. The peak and the maximum observed drawdown
// are deliberately left intact.
func (d *DrawdownMonitor) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.breached = false
}

// CurrentDrawdown returns the current drawdown fraction (>= 0).
func (d *DrawdownMonitor) CurrentDrawdown() decimal.Decimal {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ddPct
}

// MaxObserved returns the largest drawdown fraction seen so far.
func (d *DrawdownMonitor) MaxObserved() decimal.Decimal {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxDDPct
}

// Peak returns the running equity peak.
func (d *DrawdownMonitor) Peak() decimal.Decimal {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peak
}
