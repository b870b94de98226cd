package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/flashtier-io/flashtier/pkg/registry"
)

const (
	cachesetSubSystem string = "cacheset_stats"
)

var (
	cachesetStatLabels = []string{"set_uuid", "status"}
	membersExpectedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, cachesetSubSystem, "members_expected"),
		"The declared member count of the cache set.",
		cachesetStatLabels,
		constLabels,
	)
	membersPresentDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, cachesetSubSystem, "members_present"),
		"The number of members attached so far.",
		cachesetStatLabels,
		constLabels,
	)
)

type cachesetStatsCollector struct {
	descs []typedFactorDesc
	reg   *registry.Registry
}

func newCacheSetStatsCollector(reg *registry.Registry) (Collector, error) {
	return &cachesetStatsCollector{
		descs: []typedFactorDesc{
			{desc: membersExpectedDesc, valueType: prometheus.GaugeValue},
			{desc: membersPresentDesc, valueType: prometheus.GaugeValue},
		},
		reg: reg,
	}, nil
}

func (c *cachesetStatsCollector) Name() string {
	return "cacheset_stats"
}

func (c *cachesetStatsCollector) Update(ch chan<- prometheus.Metric) error {
	sets := c.reg.Snapshot()
	if len(sets) == 0 {
		return ErrNoData
	}
	for _, set := range sets {
		// need keep order with desc
		for i, val := range []float64{
			float64(set.ExpectedMembers),
			float64(set.PresentMembers),
		} {
			if i >= len(c.descs) {
				break
			}
			ch <- c.descs[i].mustNewConstMetric(val, set.SetUUID.String(), set.Status)
		}
	}
	return nil
}
