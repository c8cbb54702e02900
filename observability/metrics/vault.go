package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type VaultMetrics struct {
	conversions      *prometheus.CounterVec
	conversionVolume prometheus.Counter
	backingRatio     prometheus.Gauge
	obligations      prometheus.Gauge
	emergencyPaused  prometheus.Gauge
	discountQuotes   prometheus.Histogram
	purchases        prometheus.Counter
	redemptions      *prometheus.CounterVec
}

var (
	vaultOnce     sync.Once
	vaultRegistry *VaultMetrics
)

func Vault() *VaultMetrics {
	vaultOnce.Do(func() {
		vaultRegistry = &VaultMetrics{
			conversions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "bondvault_conversions_total",
				Help: "Count of treasury conversions by strategy leg.",
			}, []string{"leg"}),
			conversionVolume: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "bondvault_conversion_volume_total",
				Help: "Cumulative capital routed through conversions.",
			}),
			backingRatio: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "bondvault_backing_ratio_bps",
				Help: "Current progressive backing requirement in basis points.",
			}),
			obligations: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "bondvault_obligations",
				Help: "Total outstanding obligations in debt-asset units.",
			}),
			emergencyPaused: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "bondvault_emergency_paused",
				Help: "1 while the treasury is emergency paused.",
			}),
			discountQuotes: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "bondvault_discount_quote_bps",
				Help:    "Distribution of quoted discounts in basis points.",
				Buckets: prometheus.LinearBuckets(0, 500, 11),
			}),
			purchases: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "bondvault_purchases_total",
				Help: "Count of completed bond purchases.",
			}),
			redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "bondvault_redemptions_total",
				Help: "Count of redemption attempts by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			vaultRegistry.conversions,
			vaultRegistry.conversionVolume,
			vaultRegistry.backingRatio,
			vaultRegistry.obligations,
			vaultRegistry.emergencyPaused,
			vaultRegistry.discountQuotes,
			vaultRegistry.purchases,
			vaultRegistry.redemptions,
		)
	})
	return vaultRegistry
}

func (m *VaultMetrics) ObserveConversion(leg string, volume float64) {
	if m == nil {
		return
	}
	if leg == "" {
		leg = "immediate"
	}
	m.conversions.WithLabelValues(leg).Inc()
	m.conversionVolume.Add(volume)
}

func (m *VaultMetrics) SetBackingRatioBps(bps float64) {
	if m == nil {
		return
	}
	m.backingRatio.Set(bps)
}

func (m *VaultMetrics) SetObligations(total float64) {
	if m == nil {
		return
	}
	m.obligations.Set(total)
}

func (m *VaultMetrics) SetEmergencyPaused(paused bool) {
	if m == nil {
		return
	}
	if paused {
		m.emergencyPaused.Set(1)
	} else {
		m.emergencyPaused.Set(0)
	}
}

func (m *VaultMetrics) ObserveDiscountQuote(bps float64) {
	if m == nil {
		return
	}
	m.discountQuotes.Observe(bps)
}

func (m *VaultMetrics) ObservePurchase() {
	if m == nil {
		return
	}
	m.purchases.Inc()
}

func (m *VaultMetrics) ObserveRedemption(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.redemptions.WithLabelValues(outcome).Inc()
}
