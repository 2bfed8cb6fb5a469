package metrics

import (
	"testing"
	"time"
)

func TestRecordersDoNotPanic(t *testing.T) {
	SetActiveRequests("test", "10.0.0.1:80", "z1", 3)
	SetZoneLoad("test", "z1", 0.5)
	ObserveChooseDuration("test", "RoundRobinRule", 2*time.Millisecond)
	RecordCircuitBreakerTrip("test", "10.0.0.1:80")
	RecordZoneEviction("test", "z1")
	RecordRetryExhausted("test")
	RecordSubsetChurn("test", 4)
	RecordSubsetChurn("test", 0) // no-op path
	RecordUpdaterFault("test", "consul")
}
