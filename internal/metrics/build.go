package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(buildInfo) }

var buildInfo = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "webrelay_build_info",
		Help: "A constant metric with labels for version and answer backend.",
	},
	[]string{"version", "backend"},
)

func SetBuildInfo(version, backend string) {
	buildInfo.WithLabelValues(version, norm(backend)).Set(1)
}
