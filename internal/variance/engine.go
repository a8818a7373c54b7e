package variance

import (
	"context"
	"fmt"
	"sort"
	"time"

	"opnameinaja/backend/internal/cache"
	"opnameinaja/backend/internal/domain"
)

type Engine struct {
	cache             cache.VarianceCache
	cacheTTL          time.Duration
	shortageThreshold int
	valueThreshold    int64
}

func NewEngine(cacheStore cache.VarianceCache, cacheTTL time.Duration) *Engine {
	if cacheStore == nil {
		cacheStore = cache.NoopVarianceCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}

	return &Engine{
		cache:             cacheStore,
		cacheTTL:          cacheTTL,
		shortageThreshold: 10,
		valueThreshold:    100000,
	}
}

// Report aggregates a session's counted lines into a variance report. Reports
// for in-progress sessions change as counts come in, so they are cached only
// briefly; the cache entry is invalidated by the service on every submit.
func (e *Engine) Report(ctx context.Context, session *domain.OpnameSession, products map[string]domain.Product) domain.VarianceReport {
	cacheKey := CacheKey(session.ID)
	if cached, ok, err := e.cache.Get(ctx, cacheKey); err == nil && ok {
		return *cached
	}

	report := domain.VarianceReport{
		SessionID:     session.ID,
		Status:        session.Status,
		ItemsCounted:  len(session.Items),
		TopDeviations: make([]domain.VarianceLine, 0, len(session.Items)),
		Alerts:        make([]domain.VarianceAlert, 0, 4),
	}

	for _, item := range session.Items {
		if item.DeltaQty > 0 {
			report.SurplusQty += item.DeltaQty
		} else {
			report.ShortageQty += -item.DeltaQty
		}
		report.NetDeltaQty += item.DeltaQty

		valueCents := int64(0)
		if product, ok := products[item.SKU]; ok {
			valueCents = product.PriceCents * int64(abs(item.DeltaQty))
		}
		if item.DeltaQty > 0 {
			report.SurplusValueCents += valueCents
		} else if item.DeltaQty < 0 {
			report.ShortageValueCents += valueCents
		}

		if item.DeltaQty == 0 {
			continue
		}
		report.TopDeviations = append(report.TopDeviations, domain.VarianceLine{
			SKU:        item.SKU,
			Name:       item.ProductName,
			SystemQty:  item.SystemQty,
			CountedQty: item.CountedQty,
			DeltaQty:   item.DeltaQty,
			ValueCents: valueCents,
		})
	}

	sort.Slice(report.TopDeviations, func(i, j int) bool {
		left := abs(report.TopDeviations[i].DeltaQty)
		right := abs(report.TopDeviations[j].DeltaQty)
		if left == right {
			return report.TopDeviations[i].SKU < report.TopDeviations[j].SKU
		}
		return left > right
	})
	if len(report.TopDeviations) > 10 {
		report.TopDeviations = report.TopDeviations[:10]
	}

	if report.ShortageQty >= e.shortageThreshold {
		report.Alerts = append(report.Alerts, domain.VarianceAlert{
			Code:        "shortage_spike",
			Severity:    "high",
			Title:       "Selisih stok minus tinggi",
			Description: fmt.Sprintf("Total kekurangan %d unit pada sesi ini.", report.ShortageQty),
			MetricValue: float64(report.ShortageQty),
			Threshold:   float64(e.shortageThreshold),
		})
	}
	if report.ShortageValueCents >= e.valueThreshold {
		report.Alerts = append(report.Alerts, domain.VarianceAlert{
			Code:        "shortage_value",
			Severity:    "high",
			Title:       "Nilai kekurangan stok tinggi",
			Description: fmt.Sprintf("Nilai kekurangan mencapai %d sen.", report.ShortageValueCents),
			MetricValue: float64(report.ShortageValueCents),
			Threshold:   float64(e.valueThreshold),
		})
	}
	if report.SurplusQty >= e.shortageThreshold {
		report.Alerts = append(report.Alerts, domain.VarianceAlert{
			Code:        "surplus_spike",
			Severity:    "medium",
			Title:       "Selisih stok plus tinggi",
			Description: fmt.Sprintf("Total kelebihan %d unit pada sesi ini.", report.SurplusQty),
			MetricValue: float64(report.SurplusQty),
			Threshold:   float64(e.shortageThreshold),
		})
	}

	sort.Slice(report.Alerts, func(i, j int) bool {
		if report.Alerts[i].Severity == report.Alerts[j].Severity {
			return report.Alerts[i].MetricValue > report.Alerts[j].MetricValue
		}
		return severityRank(report.Alerts[i].Severity) < severityRank(report.Alerts[j].Severity)
	})

	report.GeneratedAt = time.Now().UTC().Format(time.RFC3339)

	saved := report
	_ = e.cache.Set(ctx, cacheKey, &saved, e.cacheTTL)

	return report
}

// Invalidate drops the cached report for a session. Called after any mutation
// that changes the session's counted lines or status.
func (e *Engine) Invalidate(ctx context.Context, sessionID string) {
	_ = e.cache.Invalidate(ctx, CacheKey(sessionID))
}

func CacheKey(sessionID string) string {
	return "variance:" + sessionID
}

func severityRank(severity string) int {
	switch severity {
	case "high":
		return 0
	case "medium":
		return 1
	default:
		return 2
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
