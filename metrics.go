package sipstack

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes the gauges/counters of a Core; Register them against
// whatever registry the embedding application already owns. The three
// gauges read live counts when scraped. Retransmits is registered with
// them, but nothing in the stack increments it, so it stays at zero.
type Metrics struct {
	ActiveClientTransactions prometheus.GaugeFunc
	ActiveServerTransactions prometheus.GaugeFunc
	ActiveDialogs            prometheus.GaugeFunc
	Retransmits              prometheus.Counter
}

func newMetrics(c *Core) *Metrics {
	m := &Metrics{
		ActiveClientTransactions: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "sipstack",
			Name:      "active_client_transactions",
			Help:      "Number of client transactions currently open.",
		}, func() float64 {
			client, _ := c.ua.TransactionLayer().ActiveTransactionCount()
			return float64(client)
		}),
		ActiveServerTransactions: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "sipstack",
			Name:      "active_server_transactions",
			Help:      "Number of server transactions currently open.",
		}, func() float64 {
			_, server := c.ua.TransactionLayer().ActiveTransactionCount()
			return float64(server)
		}),
		ActiveDialogs: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "sipstack",
			Name:      "active_dialogs",
			Help:      "Number of dialogs currently tracked, either role.",
		}, func() float64 {
			return float64(c.dc.dialogsLen() + c.ds.dialogsLen())
		}),
		Retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sipstack",
			Name:      "retransmits_total",
			Help:      "Number of request retransmissions absorbed by an existing transaction.",
		}),
	}
	return m
}

// Register attaches every metric in m to reg.
func (m *Metrics) Register(reg *prometheus.Registry) error {
	collectors := []prometheus.Collector{
		m.ActiveClientTransactions,
		m.ActiveServerTransactions,
		m.ActiveDialogs,
		m.Retransmits,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
