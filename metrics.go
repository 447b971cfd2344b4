package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gsm2sip/sip"
)

var (
	metricActiveCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gsm2sip",
		Name:      "active_calls",
		Help:      "Call sessions currently alive.",
	})

	metricCallsBridged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gsm2sip",
		Name:      "calls_bridged_total",
		Help:      "Calls that reached two-way media.",
	})

	metricCallsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gsm2sip",
		Name:      "calls_failed_total",
		Help:      "Calls torn down before media was bridged, by reason.",
	}, []string{"reason"})

	metricRTPSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gsm2sip",
		Name:      "rtp_packets_sent_total",
		Help:      "RTP packets sent across all bridges.",
	})

	metricRTPReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gsm2sip",
		Name:      "rtp_packets_received_total",
		Help:      "RTP packets received across all bridges.",
	})

	metricSetupSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gsm2sip",
		Name:      "setup_seconds",
		Help:      "Time from session creation to bridged media.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
	})
)

// registerSIPMetrics exports the client's parse-drop counter. Register
// once per process; a second call panics on the duplicate collector.
func registerSIPMetrics(c *sip.Client) {
	promauto.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "gsm2sip",
		Name:      "sip_parse_drops_total",
		Help:      "Inbound datagrams the SIP parser rejected.",
	}, func() float64 { return float64(c.Dropped()) })
}

// startMetrics serves the Prometheus endpoint in the background.
func startMetrics(listen string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(listen, mux); err != nil {
			coreLog.Warnf("metrics listener failed: %v", err)
		}
	}()
	coreLog.Infof("metrics available on http://%s/metrics", listen)
}
