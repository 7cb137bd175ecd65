package service

import (
	"github.com/prometheus/client_golang/prometheus"
)

// TenantConnectionGauge reports live connection counts per tenant for
// capacity reasoning. Delivery correctness never depends on it.
type TenantConnectionGauge struct {
	gauge *prometheus.GaugeVec
}

func NewTenantConnectionGauge(reg prometheus.Registerer) *TenantConnectionGauge {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "crm",
		Subsystem: "ws",
		Name:      "connections",
		Help:      "Live WebSocket connections per tenant.",
	}, []string{"tenant_id"})
	reg.MustRegister(g)
	return &TenantConnectionGauge{gauge: g}
}

func (g *TenantConnectionGauge) Set(tenantID string, count int) {
	g.gauge.WithLabelValues(tenantID).Set(float64(count))
}
