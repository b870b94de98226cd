package metrics

import (
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/procfs/blockdevice"

	"github.com/flashtier-io/flashtier/pkg/registry"
)

const (
	deviceSubSystem string = "device_stats"
)

var (
	deviceStatLabels = []string{"set_uuid", "device_uuid", "device", "role"}
	deviceCapacityDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, deviceSubSystem, "capacity_sectors"),
		"The member device capacity in 512 byte sectors.",
		deviceStatLabels,
		constLabels,
	)
	deviceReadIOsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, deviceSubSystem, "read_ios_total"),
		"The number of read I/Os completed by the member device.",
		deviceStatLabels,
		constLabels,
	)
	deviceWriteIOsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, deviceSubSystem, "write_ios_total"),
		"The number of write I/Os completed by the member device.",
		deviceStatLabels,
		constLabels,
	)
)

type deviceStatsCollector struct {
	reg *registry.Registry
}

func newDeviceStatsCollector(reg *registry.Registry) (Collector, error) {
	return &deviceStatsCollector{reg: reg}, nil
}

func (c *deviceStatsCollector) Name() string {
	return "device_stats"
}

func (c *deviceStatsCollector) Update(ch chan<- prometheus.Metric) error {
	sets := c.reg.Snapshot()
	if len(sets) == 0 {
		return ErrNoData
	}

	diskstats := diskstatsByName()

	for _, set := range sets {
		for _, m := range set.Members {
			labels := []string{set.SetUUID.String(), m.DeviceUUID.String(), m.Device, m.Role}
			ch <- prometheus.MustNewConstMetric(deviceCapacityDesc, prometheus.GaugeValue,
				float64(m.Capacity), labels...)

			stat, ok := diskstats[filepath.Base(m.Device)]
			if !ok {
				continue
			}
			ch <- prometheus.MustNewConstMetric(deviceReadIOsDesc, prometheus.CounterValue,
				float64(stat.ReadIOs), labels...)
			ch <- prometheus.MustNewConstMetric(deviceWriteIOsDesc, prometheus.CounterValue,
				float64(stat.WriteIOs), labels...)
		}
	}
	return nil
}

func diskstatsByName() map[string]blockdevice.Diskstats {
	stats := map[string]blockdevice.Diskstats{}
	fs, err := blockdevice.NewFS("/proc", "/sys")
	if err != nil {
		return stats
	}
	all, err := fs.ProcDiskstats()
	if err != nil {
		return stats
	}
	for _, s := range all {
		stats[strings.TrimSpace(s.DeviceName)] = s
	}
	return stats
}
