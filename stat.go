package broker

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/golang-io/requests"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stat holds the broker's Prometheus counters and gauges, registered once
// at startup and exposed via the HTTP admin surface's /metrics route.
type Stat struct {
	Uptime            prometheus.Counter
	ActiveConnections prometheus.Gauge
	PacketReceived    prometheus.Counter
	ByteReceived      prometheus.Counter
	PacketSent        prometheus.Counter
	ByteSent          prometheus.Counter
	RetainedMessages  prometheus.Gauge
	Sessions          prometheus.Gauge
}

var stat = Stat{
	Uptime:            prometheus.NewCounter(prometheus.CounterOpts{Name: "mqttkit_uptime_seconds", Help: "Broker uptime in seconds"}),
	ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{Name: "mqttkit_active_client_count", Help: "Number of currently connected clients"}),
	PacketReceived:    prometheus.NewCounter(prometheus.CounterOpts{Name: "mqttkit_received_packets", Help: "Total MQTT control packets received"}),
	ByteReceived:      prometheus.NewCounter(prometheus.CounterOpts{Name: "mqttkit_received_bytes", Help: "Total bytes received"}),
	PacketSent:        prometheus.NewCounter(prometheus.CounterOpts{Name: "mqttkit_sent_packets", Help: "Total MQTT control packets sent"}),
	ByteSent:          prometheus.NewCounter(prometheus.CounterOpts{Name: "mqttkit_sent_bytes", Help: "Total bytes sent"}),
	RetainedMessages:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "mqttkit_retained_messages", Help: "Number of retained messages held"}),
	Sessions:          prometheus.NewGauge(prometheus.GaugeOpts{Name: "mqttkit_sessions", Help: "Number of sessions in the store, connected or not"}),
}

// Register adds every Stat metric to the default Prometheus registry.
// Safe to call once per process.
func (s *Stat) Register() {
	prometheus.MustRegister(s.Uptime)
	prometheus.MustRegister(s.ActiveConnections)
	prometheus.MustRegister(s.PacketReceived)
	prometheus.MustRegister(s.ByteReceived)
	prometheus.MustRegister(s.PacketSent)
	prometheus.MustRegister(s.ByteSent)
	prometheus.MustRegister(s.RetainedMessages)
	prometheus.MustRegister(s.Sessions)
}

func (s *Stat) refreshUptime(ctx context.Context) {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			s.Uptime.Inc()
		}
	}
}

func httpLog(_ context.Context, st *requests.Stat) {
	log.Printf("%s", st.Print())
}

// ServeAdminHTTP starts the HTTP admin surface: a /metrics Prometheus
// exposition endpoint bound to addr.
func ServeAdminHTTP(ctx context.Context, addr string) error {
	stat.Register()
	go stat.refreshUptime(ctx)

	mux := requests.NewServeMux(requests.URL(addr), requests.Logf(httpLog))
	mux.Route("/metrics", promhttp.Handler())
	srv := requests.NewServer(ctx, mux, requests.OnStart(func(s *http.Server) {
		log.Printf("admin http serve: %s", s.Addr)
	}))
	return srv.ListenAndServe()
}
