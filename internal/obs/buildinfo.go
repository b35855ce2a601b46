package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	// buildInfo is a constant 1 gauge labelled with the binary name and version.
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "firefighter_build_info",
			Help: "FireFighter build information.",
		},
		[]string{"binary", "version"},
	)
)

// InitBuildInfo registers build_info once and sets the value for this binary.
func InitBuildInfo(binary, version string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.WithLabelValues(binary, version).Set(1)
}
