package metrics

import (
	"strings"
	"sync/atomic"

	"depthflow/config"
)

// Feature identifies an optional metric family that can be switched off in
// configuration.
type Feature string

const (
	// FeatureChannelSize gates the periodic channel occupancy gauges.
	FeatureChannelSize Feature = "channel_size"
)

type featureState struct {
	channelSize bool
}

var features atomic.Pointer[featureState]

func init() {
	features.Store(&featureState{channelSize: true})
}

// Configure applies the metrics section of the configuration.
func Configure(cfg config.MetricsConfig) {
	features.Store(&featureState{channelSize: cfg.ChannelSize})
}

// IsFeatureEnabled reports whether a metric feature is switched on.
func IsFeatureEnabled(f Feature) bool {
	state := features.Load()
	if state == nil {
		return true
	}
	switch f {
	case FeatureChannelSize:
		return state.channelSize
	default:
		return true
	}
}

// featureForMetric maps a metric name onto the feature that gates it. Metrics
// outside any gated family always pass.
func featureForMetric(name string) (Feature, bool) {
	if strings.HasSuffix(name, "_buffer_length") {
		return FeatureChannelSize, true
	}
	return "", false
}
