package obs

import (
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wattguard_build_info",
			Help: "Constant 1 labelled with the running build.",
		},
		[]string{"version", "commit", "goversion"},
	)
)

// InitBuildInfo registers wattguard_build_info once and publishes the sample for this build.
// Calling it again with other labels replaces the previous sample.
func InitBuildInfo(version, commit string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.Reset()
	buildInfo.WithLabelValues(version, commit, runtime.Version()).Set(1)
}
