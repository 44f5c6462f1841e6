package instances

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "instances"

// Collector exports the state of an engine to Prometheus.
type Collector struct {
	instances *Instances

	descLiveCount       *prometheus.Desc
	descIsLeader        *prometheus.Desc
	descSnapshotVersion *prometheus.Desc
	descReady           *prometheus.Desc
	descCycles          *prometheus.Desc
	descSkippedTicks    *prometheus.Desc
}

var _ prometheus.Collector = &Collector{}

func NewCollector(i *Instances) *Collector {
	constLabels := prometheus.Labels{"instance_id": i.ID()}
	return &Collector{
		instances: i,
		descLiveCount: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "live_count"),
			"number of live instances in the current snapshot",
			nil,
			constLabels,
		),
		descIsLeader: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "is_leader"),
			"1 if the local instance is the elected leader",
			nil,
			constLabels,
		),
		descSnapshotVersion: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "snapshot", "version"),
			"version of the current snapshot. 0 when no snapshot is available",
			nil,
			constLabels,
		),
		descReady: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "ready"),
			"1 after the first successful update",
			nil,
			constLabels,
		),
		descCycles: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cycle", "total"),
			"number of update cycles by result",
			[]string{"result"},
			constLabels,
		),
		descSkippedTicks: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cycle", "skipped_ticks_total"),
			"number of ticks dropped because the previous cycle overran the interval",
			nil,
			constLabels,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.descLiveCount
	ch <- c.descIsLeader
	ch <- c.descSnapshotVersion
	ch <- c.descReady
	ch <- c.descCycles
	ch <- c.descSkippedTicks
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	var version uint64
	if s, err := c.instances.Snapshot(); err == nil {
		version = s.Version
	}
	stat := c.instances.Stat()

	ch <- prometheus.MustNewConstMetric(c.descLiveCount, prometheus.GaugeValue, float64(c.instances.InstancesCount()))
	ch <- prometheus.MustNewConstMetric(c.descIsLeader, prometheus.GaugeValue, boolToFloat(c.instances.IsLeader()))
	ch <- prometheus.MustNewConstMetric(c.descSnapshotVersion, prometheus.GaugeValue, float64(version))
	ch <- prometheus.MustNewConstMetric(c.descReady, prometheus.GaugeValue, boolToFloat(c.instances.Ready()))
	ch <- prometheus.MustNewConstMetric(c.descCycles, prometheus.CounterValue, float64(stat.Succeeded()), "success")
	ch <- prometheus.MustNewConstMetric(c.descCycles, prometheus.CounterValue, float64(stat.StorageFailed()), "storage_error")
	ch <- prometheus.MustNewConstMetric(c.descCycles, prometheus.CounterValue, float64(stat.ExtractionFailed()), "extraction_error")
	ch <- prometheus.MustNewConstMetric(c.descSkippedTicks, prometheus.CounterValue, float64(stat.SkippedTicks()))
}

func boolToFloat(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
