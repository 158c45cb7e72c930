// Package ledger implements the agent's persistent credit ledger.
//
// The ledger survives death on purpose: money is part of the meta-game.
// It lives under the credits directory, not the ephemeral workspace.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// BankruptcyThresholdUSD is the balance at or below which a life ends.
const BankruptcyThresholdUSD = 0.01

// historyLimit bounds the charge history; long-term totals live in the
// per-model aggregates.
const historyLimit = 100

// ChargeResult reports how a charge landed.
type ChargeResult string

const (
	ChargeOK       ChargeResult = "ok"
	ChargeBankrupt ChargeResult = "bankrupt"
)

// Entry is one recorded charge.
type Entry struct {
	Timestamp    time.Time `json:"timestamp"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
}

// ledgerData is the persisted JSON shape.
type ledgerData struct {
	MonthlyBudgetUSD float64            `json:"monthly_budget_usd"`
	BalanceUSD       float64            `json:"balance_usd"`
	ResetAt          time.Time          `json:"reset_at"`
	TotalLives       int                `json:"total_lives"`
	PerModelSpend    map[string]float64 `json:"per_model_spend"`
	History          []Entry            `json:"history"`
}

// ModelSpend is a per-model aggregate for status reporting.
type ModelSpend struct {
	Model   string  `json:"model"`
	CostUSD float64 `json:"cost_usd"`
}

// Status is the full ledger view served on /budget.
type Status struct {
	BalanceUSD       float64      `json:"balance_usd"`
	MonthlyBudgetUSD float64      `json:"monthly_budget_usd"`
	SpentUSD         float64      `json:"spent_usd"`
	ResetAt          time.Time    `json:"reset_at"`
	Level            string       `json:"level"`
	Lives            int          `json:"lives"`
	PerModelSpend    []ModelSpend `json:"per_model_spend"`
	HistoryTail      []Entry      `json:"history_tail"`
}

// Ledger is the single writer for the credits file. All operations hold mu;
// the file write is the only I/O inside the critical section.
type Ledger struct {
	mu   sync.Mutex
	path string
	data ledgerData
	now  func() time.Time
}

// Open loads or creates the ledger under dir.
func Open(dir string, monthlyBudgetUSD float64) (*Ledger, error) {
	l := &Ledger{
		path: filepath.Join(dir, "balance.json"),
		now:  time.Now,
	}
	if err := l.load(monthlyBudgetUSD); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) load(monthlyBudgetUSD float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		l.data = ledgerData{
			MonthlyBudgetUSD: monthlyBudgetUSD,
			BalanceUSD:       monthlyBudgetUSD,
			ResetAt:          nextMonthBoundary(l.now()),
			PerModelSpend:    map[string]float64{},
		}
		return l.persistLocked()
	}
	if err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}
	if err := json.Unmarshal(raw, &l.data); err != nil {
		return fmt.Errorf("parse ledger: %w", err)
	}
	if l.data.PerModelSpend == nil {
		l.data.PerModelSpend = map[string]float64{}
	}
	if l.data.MonthlyBudgetUSD == 0 {
		l.data.MonthlyBudgetUSD = monthlyBudgetUSD
	}
	l.resetIfDueLocked()
	return nil
}

// nextMonthBoundary returns the first instant of the following month, UTC.
func nextMonthBoundary(now time.Time) time.Time {
	now = now.UTC()
	year, month := now.Year(), now.Month()
	if month == time.December {
		return time.Date(year+1, time.January, 1, 0, 0, 0, 0, time.UTC)
	}
	return time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC)
}

// resetIfDueLocked restores the monthly budget once the boundary passes.
func (l *Ledger) resetIfDueLocked() {
	if l.now().Before(l.data.ResetAt) {
		return
	}
	l.data.BalanceUSD = l.data.MonthlyBudgetUSD
	l.data.History = nil
	l.data.PerModelSpend = map[string]float64{}
	l.data.ResetAt = nextMonthBoundary(l.now())
}

// persistLocked writes the ledger atomically via rename.
func (l *Ledger) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create credits dir: %w", err)
	}
	raw, err := json.MarshalIndent(l.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("commit ledger: %w", err)
	}
	return nil
}

// Charge deducts a model call's cost. The bankrupt result is returned on
// the charge that crosses the threshold; the balance never goes negative.
// A persistence failure is returned as an error and must be treated as
// fatal by the caller.
func (l *Ledger) Charge(model string, inputTok, outputTok int, usd float64) (ChargeResult, error) {
	if usd < 0 {
		return "", fmt.Errorf("negative charge %.6f", usd)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetIfDueLocked()

	newBalance := l.data.BalanceUSD - usd
	if newBalance < 0 {
		newBalance = 0
	}
	l.data.BalanceUSD = newBalance
	l.data.PerModelSpend[model] += usd
	l.data.History = append(l.data.History, Entry{
		Timestamp:    l.now().UTC(),
		Model:        model,
		InputTokens:  inputTok,
		OutputTokens: outputTok,
		CostUSD:      usd,
	})
	if len(l.data.History) > historyLimit {
		l.data.History = l.data.History[len(l.data.History)-historyLimit:]
	}

	if err := l.persistLocked(); err != nil {
		return "", err
	}
	if newBalance <= BankruptcyThresholdUSD {
		return ChargeBankrupt, nil
	}
	return ChargeOK, nil
}

// Balance returns the current balance.
func (l *Ledger) Balance() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetIfDueLocked()
	return l.data.BalanceUSD
}

// Bankrupt reports whether the balance is at or below the threshold.
func (l *Ledger) Bankrupt() bool {
	return l.Balance() <= BankruptcyThresholdUSD
}

// IncrementLives bumps the meta-game life counter on respawn.
func (l *Ledger) IncrementLives() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.data.TotalLives++
	return l.persistLocked()
}

// Status returns the full budget view.
func (l *Ledger) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetIfDueLocked()

	spend := make([]ModelSpend, 0, len(l.data.PerModelSpend))
	var spent float64
	for model, usd := range l.data.PerModelSpend {
		spend = append(spend, ModelSpend{Model: model, CostUSD: usd})
		spent += usd
	}
	sort.Slice(spend, func(i, j int) bool { return spend[i].CostUSD > spend[j].CostUSD })

	tail := make([]Entry, len(l.data.History))
	copy(tail, l.data.History)

	return Status{
		BalanceUSD:       l.data.BalanceUSD,
		MonthlyBudgetUSD: l.data.MonthlyBudgetUSD,
		SpentUSD:         spent,
		ResetAt:          l.data.ResetAt,
		Level:            level(l.data.BalanceUSD),
		Lives:            l.data.TotalLives,
		PerModelSpend:    spend,
		HistoryTail:      tail,
	}
}

// level buckets the balance for display.
func level(balance float64) string {
	switch {
	case balance <= BankruptcyThresholdUSD:
		return "bankrupt"
	case balance < 0.50:
		return "critical"
	case balance < 1.00:
		return "cautious"
	case balance < 3.00:
		return "moderate"
	default:
		return "comfortable"
	}
}

// SetBalanceForTest overrides the balance. Test hook only.
func (l *Ledger) SetBalanceForTest(usd float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.data.BalanceUSD = usd
	return l.persistLocked()
}
