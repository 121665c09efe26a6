package cubesync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Stats is the bandwidth and clock snapshot exposed to the host. Byte
// counters accumulate per frame and roll into the *Bps fields once per stats
// interval, after which they restart from zero.
type Stats struct {
	Send    int64 // reliable bytes written this interval
	Rec     int64 // reliable bytes read this interval
	SendRTC int64 // unreliable bytes written this interval
	RecRTC  int64 // unreliable bytes read this interval

	SendBps    int64
	RecBps     int64
	SendRTCBps int64
	RecRTCBps  int64

	// Ping is the last measured round trip in milliseconds.
	Ping float64
	// StDiff estimates server-minus-client clock offset in milliseconds.
	StDiff float64
}

// rollover snapshots the interval counters into per-second rates and zeroes
// them. Called once per stats interval.
func (s *Stats) rollover(intervalSeconds float64) {
	if intervalSeconds <= 0 {
		intervalSeconds = 1
	}
	s.SendBps = int64(float64(s.Send) / intervalSeconds)
	s.RecBps = int64(float64(s.Rec) / intervalSeconds)
	s.SendRTCBps = int64(float64(s.SendRTC) / intervalSeconds)
	s.RecRTCBps = int64(float64(s.RecRTC) / intervalSeconds)
	s.Send, s.Rec, s.SendRTC, s.RecRTC = 0, 0, 0, 0
}

// metrics wraps the Prometheus collectors for one client. Each client owns
// its registry so several clients in one process never fight over
// registration.
type metrics struct {
	registry *prometheus.Registry

	bytesSent    prometheus.Counter
	bytesRec     prometheus.Counter
	bytesSentRTC prometheus.Counter
	bytesRecRTC  prometheus.Counter

	reconnects   prometheus.Counter
	decodeErrors prometheus.Counter
	lostUpdates  prometheus.Counter
	pingMillis   prometheus.Gauge
}

func newMetrics() *metrics {
	m := &metrics{registry: prometheus.NewRegistry()}

	m.bytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cubesync_bytes_sent_total",
		Help: "Bytes written to the reliable channel",
	})
	m.bytesRec = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cubesync_bytes_received_total",
		Help: "Bytes read from the reliable channel",
	})
	m.bytesSentRTC = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cubesync_rtc_bytes_sent_total",
		Help: "Bytes written to the unreliable channel",
	})
	m.bytesRecRTC = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cubesync_rtc_bytes_received_total",
		Help: "Bytes read from the unreliable channel",
	})
	m.reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cubesync_reconnects_total",
		Help: "Transport losses that triggered the reconnect path",
	})
	m.decodeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cubesync_decode_errors_total",
		Help: "Frames or ops dropped due to decode failure",
	})
	m.lostUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cubesync_fast_updates_lost_total",
		Help: "Fast-channel updates skipped by sequence gaps",
	})
	m.pingMillis = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cubesync_ping_millis",
		Help: "Last measured round trip in milliseconds",
	})

	m.registry.MustRegister(
		m.bytesSent, m.bytesRec, m.bytesSentRTC, m.bytesRecRTC,
		m.reconnects, m.decodeErrors, m.lostUpdates, m.pingMillis,
	)
	return m
}
