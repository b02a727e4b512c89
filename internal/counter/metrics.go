package counter

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes every registered counter block, summed across a fixed
// set of per-worker Storage blocks, as a Prometheus gauge series labeled
// by counter name. It is the "Prometheus collector walks it for
// operator-facing /metrics" piece described in SPEC_FULL.md's ambient
// stack: the registry word is still the single source of truth, this only
// adds an export path, mirroring how internal/bgp/metrics.go exposes
// plain gauges in the teacher daemon.
type Collector struct {
	registry *Registry
	stores   []*Storage
	desc     *prometheus.Desc
}

// NewCollector builds a Collector that sums stores (one per worker) for
// every block in registry when scraped.
func NewCollector(registry *Registry, stores []*Storage) *Collector {
	return &Collector{
		registry: registry,
		stores:   stores,
		desc: prometheus.NewDesc(
			"yanet2_counter",
			"Value of a named dataplane counter block, summed across workers.",
			[]string{"name", "index"}, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, name := range c.registry.Names() {
		id := c.registry.byName[name]
		b := c.registry.blocks[id]
		for i := 0; i < b.size; i++ {
			v, err := c.registry.Sum(id, c.stores, i)
			if err != nil {
				continue
			}
			ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(v), name, strconv.Itoa(i))
		}
	}
}
