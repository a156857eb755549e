package ota

import (
	"github.com/neilberkman/ota-resilience/nvm"
	"github.com/prometheus/client_golang/prometheus"
)

// DeviceCollector exports the simulated device counters so a fault
// campaign can scrape write/erase/cut totals across runs.
type DeviceCollector struct {
	dev *nvm.Sim

	writes       *prometheus.Desc
	bytesWritten *prometheus.Desc
	erases       *prometheus.Desc
	barriers     *prometheus.Desc
	cuts         *prometheus.Desc
}

func NewDeviceCollector(dev *nvm.Sim) *DeviceCollector {
	labels := prometheus.Labels{"device": dev.ID().String()}
	return &DeviceCollector{
		dev: dev,

		writes: prometheus.NewDesc(
			"nvm_granule_writes_total",
			"Total granule writes that reached the medium",
			nil, labels,
		),
		bytesWritten: prometheus.NewDesc(
			"nvm_bytes_written_total",
			"Total bytes written to the medium",
			nil, labels,
		),
		erases: prometheus.NewDesc(
			"nvm_erases_total",
			"Total erase operations issued",
			nil, labels,
		),
		barriers: prometheus.NewDesc(
			"nvm_barriers_total",
			"Total completion barriers issued",
			nil, labels,
		),
		cuts: prometheus.NewDesc(
			"nvm_power_cuts_total",
			"Total simulated power cuts that fired",
			nil, labels,
		),
	}
}

func (c *DeviceCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.writes
	ch <- c.bytesWritten
	ch <- c.erases
	ch <- c.barriers
	ch <- c.cuts
}

func (c *DeviceCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.dev.Stats()
	ch <- prometheus.MustNewConstMetric(c.writes, prometheus.CounterValue, float64(s.Writes))
	ch <- prometheus.MustNewConstMetric(c.bytesWritten, prometheus.CounterValue, float64(s.BytesWritten))
	ch <- prometheus.MustNewConstMetric(c.erases, prometheus.CounterValue, float64(s.Erases))
	ch <- prometheus.MustNewConstMetric(c.barriers, prometheus.CounterValue, float64(s.Barriers))
	ch <- prometheus.MustNewConstMetric(c.cuts, prometheus.CounterValue, float64(s.Cuts))
}
