package monitors

import (
	"fmt"
	"sync"
	"time"

	"campaign-telemetry/pkg/alerting"

	"github.com/sirupsen/logrus"
)

// BudgetPeriod is the calendar window over which a spend limit applies.
type BudgetPeriod string

const (
	PeriodHourly  BudgetPeriod = "hourly"
	PeriodDaily   BudgetPeriod = "daily"
	PeriodWeekly  BudgetPeriod = "weekly"
	PeriodMonthly BudgetPeriod = "monthly"
)

// Budget is one spend limit, scoped to a service and optionally to a
// product within it.
type Budget struct {
	Service        string       `yaml:"service" json:"service"`
	Product        string       `yaml:"product,omitempty" json:"product,omitempty"`
	Limit          float64      `yaml:"limit" json:"limit"`
	Period         BudgetPeriod `yaml:"period" json:"period"`
	AlertThreshold float64      `yaml:"alert_threshold" json:"alert_threshold"`
}

// Validate checks the budget definition.
func (b Budget) Validate() error {
	if b.Service == "" {
		return fmt.Errorf("budget requires a service name")
	}
	if b.Limit <= 0 {
		return fmt.Errorf("budget limit for %s must be positive, got %.2f", b.Service, b.Limit)
	}
	switch b.Period {
	case PeriodHourly, PeriodDaily, PeriodWeekly, PeriodMonthly:
	default:
		return fmt.Errorf("budget period for %s must be hourly, daily, weekly or monthly, got %q", b.Service, b.Period)
	}
	if b.AlertThreshold <= 0 || b.AlertThreshold > 1 {
		return fmt.Errorf("budget alert threshold for %s must be in (0, 1], got %.2f", b.Service, b.AlertThreshold)
	}
	return nil
}

// CostEntry is one recorded spend event.
type CostEntry struct {
	Service   string    `json:"service"`
	Product   string    `json:"product,omitempty"`
	Amount    float64   `json:"amount"`
	Currency  string    `json:"currency"`
	Timestamp time.Time `json:"timestamp"`
}

// UsageReport aggregates spend over an arbitrary date range.
type UsageReport struct {
	From      time.Time          `json:"from"`
	To        time.Time          `json:"to"`
	Total     float64            `json:"total"`
	ByService map[string]float64 `json:"by_service"`
	ByProduct map[string]float64 `json:"by_product"`
	Entries   int                `json:"entries"`
}

// CostMonitor tracks spend events against configured budgets.
type CostMonitor struct {
	budgets    []Budget
	logger     *logrus.Logger
	dispatcher *alerting.Dispatcher

	entries []CostEntry
	now     func() time.Time
	mu      sync.RWMutex
}

// NewCostMonitor creates a new cost monitor. Every budget is validated
// up front; a malformed budget fails construction.
func NewCostMonitor(budgets []Budget, dispatcher *alerting.Dispatcher, logger *logrus.Logger) (*CostMonitor, error) {
	for _, b := range budgets {
		if err := b.Validate(); err != nil {
			return nil, err
		}
	}

	return &CostMonitor{
		budgets:    budgets,
		logger:     logger,
		dispatcher: dispatcher,
		now:        time.Now,
	}, nil
}

// RecordCost ingests one spend event and checks every matching budget.
func (m *CostMonitor) RecordCost(entry CostEntry) error {
	if entry.Service == "" {
		return fmt.Errorf("cost entry requires a service name")
	}
	if entry.Amount < 0 {
		return fmt.Errorf("cost amount for %s must not be negative, got %.4f", entry.Service, entry.Amount)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = m.now()
	}

	m.mu.Lock()
	m.entries = append(m.entries, entry)
	m.mu.Unlock()

	costRecordedTotal.WithLabelValues(entry.Service).Add(entry.Amount)

	m.checkBudgets(entry)
	return nil
}

// checkBudgets evaluates every budget matching the entry against the
// spend accumulated inside the budget's current period window.
func (m *CostMonitor) checkBudgets(entry CostEntry) {
	now := m.now()

	for _, budget := range m.budgets {
		if budget.Service != entry.Service {
			continue
		}
		if budget.Product != "" && budget.Product != entry.Product {
			continue
		}

		spend := m.periodSpend(budget, now)
		if spend/budget.Limit >= budget.AlertThreshold {
			key := budget.Service
			if budget.Product != "" {
				key += "/" + budget.Product
			}
			m.dispatcher.Dispatch(alerting.Alert{
				Monitor:   "cost",
				Key:       key,
				Metric:    fmt.Sprintf("budget_%s", budget.Period),
				Value:     spend,
				Threshold: budget.Limit * budget.AlertThreshold,
				Message: fmt.Sprintf("%s spend %.2f of %s budget %.2f (%.0f%% threshold)",
					key, spend, budget.Period, budget.Limit, budget.AlertThreshold*100),
			})
		}
	}
}

// periodSpend sums entries matching the budget inside the calendar
// window containing now.
func (m *CostMonitor) periodSpend(budget Budget, now time.Time) float64 {
	start := PeriodStart(budget.Period, now)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var total float64
	for _, entry := range m.entries {
		if entry.Service != budget.Service {
			continue
		}
		if budget.Product != "" && budget.Product != entry.Product {
			continue
		}
		if entry.Timestamp.Before(start) || entry.Timestamp.After(now) {
			continue
		}
		total += entry.Amount
	}
	return total
}

// GetPeriodSpend returns the spend accumulated against a budget in its
// current period window.
func (m *CostMonitor) GetPeriodSpend(budget Budget) float64 {
	return m.periodSpend(budget, m.now())
}

// GetBudgets returns the configured budget definitions.
func (m *CostMonitor) GetBudgets() []Budget {
	out := make([]Budget, len(m.budgets))
	copy(out, m.budgets)
	return out
}

// GetUsageReport aggregates entries in [from, to] by service and product.
func (m *CostMonitor) GetUsageReport(from, to time.Time) UsageReport {
	report := UsageReport{
		From:      from,
		To:        to,
		ByService: make(map[string]float64),
		ByProduct: make(map[string]float64),
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, entry := range m.entries {
		if entry.Timestamp.Before(from) || entry.Timestamp.After(to) {
			continue
		}
		report.Total += entry.Amount
		report.ByService[entry.Service] += entry.Amount
		if entry.Product != "" {
			report.ByProduct[entry.Product] += entry.Amount
		}
		report.Entries++
	}
	return report
}

// PeriodStart returns the calendar boundary opening the period window
// that contains t. Weeks start on Monday.
func PeriodStart(period BudgetPeriod, t time.Time) time.Time {
	switch period {
	case PeriodHourly:
		return t.Truncate(time.Hour)
	case PeriodDaily:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	case PeriodWeekly:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
		offset := (int(day.Weekday()) + 6) % 7 // Monday = 0
		return day.AddDate(0, 0, -offset)
	case PeriodMonthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	default:
		return t
	}
}
