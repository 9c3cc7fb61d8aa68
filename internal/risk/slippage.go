package risk

import (
	"sync"

	"github.com/shopspring/decimal"
)

const defaultSlippageWindow = 100

// SlippageConfig holds the slippage classification threshold.
type SlippageConfig struct {
	MaxSlippage decimal.Decimal // fraction; above this a fill is Excessive
	WindowSize  int             // observations kept for the rolling stats
}

// SlippageResult classifies one fill against its expected price.
type SlippageResult struct {
	SlippagePct decimal.Decimal
	Excessive   bool
}

// SlippageChecker compares expected and realized fill prices. Classification
// is advisory: a fill already executed cannot be rejected, so the result only
// informs alerting and the orchestrator's streak policy.
type SlippageChecker struct {
	mu          sync.Mutex
	cfg         SlippageConfig
	window      []decimal.Decimal
	totalChecks int
	violations  int
}

// NewSlippageChecker creates a checker with a bounded observation window.
func NewSlippageChecker(cfg SlippageConfig) *SlippageChecker {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = defaultSlippageWindow
	}
	return &SlippageChecker{cfg: cfg}
}

// Check computes |filled - expected| / expected and classifies it.
func (s *SlippageChecker) Check(expected, filled decimal.Decimal) SlippageResult {
	pct := decimal.Zero
	if expected.IsPositive() {
		pct = filled.Sub(expected).Div(expected).Abs()
	}
	res := SlippageResult{
		SlippagePct: pct,
		Excessive:   pct.GreaterThan(s.cfg.MaxSlippage),
	}

	s.mu.Lock()
	s.totalChecks++
	if res.Excessive {
		s.violations++
	}
	s.window = append(s.window, pct)
	if len(s.window) > s.cfg.WindowSize {
		s.window = s.window[len(s.window)-s.cfg.WindowSize:]
	}
	s.mu.Unlock()

	return res
}

// AverageSlippage returns the mean slippage over the rolling window.
func (s *SlippageChecker) AverageSlippage() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.window) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, v := range s.window {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(len(s.window))))
}

// ViolationRate returns the fraction of checked fills classified Excessive.
func (s *SlippageChecker) ViolationRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.totalChecks == 0 {
		return 0
	}
	return float64(s.violations) / float64(s.totalChecks)
}

// Violations returns the total number of Excessive classifications.
func (s *SlippageChecker) Violations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.violations
}
