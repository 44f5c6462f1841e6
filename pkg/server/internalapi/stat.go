package internalapi

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.f110.dev/instances/pkg/server"
)

// Metrics exposes the collectors in the Prometheus format.
type Metrics struct {
	r *prometheus.Registry
}

var _ server.ChildServer = &Metrics{}

func NewMetrics(c ...prometheus.Collector) *Metrics {
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewGoCollector())
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	for _, v := range c {
		r.MustRegister(v)
	}
	return &Metrics{r: r}
}

func (s *Metrics) Route(router *httprouter.Router) {
	handler := promhttp.InstrumentMetricHandler(s.r, promhttp.HandlerFor(s.r, promhttp.HandlerOpts{}))
	router.GET("/internal/metrics", func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		handler.ServeHTTP(w, req)
	})
}
