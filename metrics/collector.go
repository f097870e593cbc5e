// Package metrics exports device and bridge counters to Prometheus.
package metrics

import (
	"vtap/bridge"
	"vtap/tun"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "vtap"

// DeviceSource is implemented by *tun.Device.
type DeviceSource interface {
	Name() string
	Capabilities() tun.Capabilities
	Stats() tun.Stats
}

// DeviceCollector reads counters from a device on every scrape.
type DeviceCollector struct {
	src DeviceSource

	rxPackets  *prometheus.Desc
	rxBytes    *prometheus.Desc
	txPackets  *prometheus.Desc
	txBytes    *prometheus.Desc
	emptyPolls *prometheus.Desc
	errors     *prometheus.Desc
	mtu        *prometheus.Desc
}

func NewDeviceCollector(src DeviceSource) *DeviceCollector {
	labels := prometheus.Labels{
		"device": src.Name(),
		"medium": src.Capabilities().Medium.String(),
	}
	desc := func(name, help string, variable ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "device", name), help, variable, labels)
	}

	return &DeviceCollector{
		src:        src,
		rxPackets:  desc("rx_packets_total", "Packets received from the interface."),
		rxBytes:    desc("rx_bytes_total", "Bytes received from the interface."),
		txPackets:  desc("tx_packets_total", "Packets written to the interface."),
		txBytes:    desc("tx_bytes_total", "Bytes written to the interface."),
		emptyPolls: desc("empty_polls_total", "Receive polls that found no packet."),
		errors:     desc("errors_total", "Failed reads and writes.", "op"),
		mtu:        desc("mtu_bytes", "MTU cached when the device was opened."),
	}
}

func (c *DeviceCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.rxPackets
	ch <- c.rxBytes
	ch <- c.txPackets
	ch <- c.txBytes
	ch <- c.emptyPolls
	ch <- c.errors
	ch <- c.mtu
}

func (c *DeviceCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	counter(c.rxPackets, s.RxPackets)
	counter(c.rxBytes, s.RxBytes)
	counter(c.txPackets, s.TxPackets)
	counter(c.txBytes, s.TxBytes)
	counter(c.emptyPolls, s.EmptyPolls)
	counter(c.errors, s.ReadErrors, "read")
	counter(c.errors, s.WriteErrors, "write")
	ch <- prometheus.MustNewConstMetric(c.mtu, prometheus.GaugeValue, float64(c.src.Capabilities().MaxTransmissionUnit))
}

// BridgeSource is implemented by *bridge.Link and *bridge.Session.
type BridgeSource interface {
	Stats() bridge.Stats
}

// NewBridgeCollector exposes relay counters through CounterFuncs.
func NewBridgeCollector(src BridgeSource, device string) []prometheus.Collector {
	counter := func(name, help string, read func(bridge.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "bridge",
			Name:        name,
			Help:        help,
			ConstLabels: prometheus.Labels{"device": device},
		}, func() float64 { return float64(read(src.Stats())) })
	}

	return []prometheus.Collector{
		counter("datagrams_sent_total", "Packets forwarded to the peer.", func(s bridge.Stats) uint64 { return s.Sent }),
		counter("datagrams_received_total", "Packets delivered from the peer.", func(s bridge.Stats) uint64 { return s.Received }),
		counter("dropped_total", "Packets dropped for size or write failure.", func(s bridge.Stats) uint64 { return s.Dropped }),
	}
}
