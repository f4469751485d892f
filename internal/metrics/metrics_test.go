package metrics

import (
	"testing"
)

func TestMetricsInitialized(t *testing.T) {
	if MetricTokenValidations == nil { t.Error("MetricTokenValidations is nil") }
	if MetricRateLimitHits == nil { t.Error("MetricRateLimitHits is nil") }
	if MetricAlertsFired == nil { t.Error("MetricAlertsFired is nil") }
	if MetricHttpDuration == nil { t.Error("MetricHttpDuration is nil") }
	if MetricDBDuration == nil { t.Error("MetricDBDuration is nil") }
}
