package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInitIdempotent(t *testing.T) {
	Init()
	first := InboundMessages
	Init()
	if InboundMessages != first {
		t.Error("Init() re-registered metrics")
	}
	if ProbeDuration == nil || ReplyDuration == nil || ActiveConnections == nil {
		t.Error("metrics not initialized")
	}
}

func TestIncCounts(t *testing.T) {
	Init()
	before := testutil.ToFloat64(AccessDenied.WithLabelValues("acct-test", "self"))
	Inc(AccessDenied, "acct-test", "self")
	Inc(AccessDenied, "acct-test", "self")
	if got := testutil.ToFloat64(AccessDenied.WithLabelValues("acct-test", "self")); got != before+2 {
		t.Errorf("counter = %v, want %v", got, before+2)
	}
	// nil vectors are ignored
	Inc(nil, "x")
}

func TestAddConnections(t *testing.T) {
	Init()
	before := testutil.ToFloat64(ActiveConnections)
	AddConnections(1)
	AddConnections(1)
	AddConnections(-1)
	if got := testutil.ToFloat64(ActiveConnections); got != before+1 {
		t.Errorf("gauge = %v, want %v", got, before+1)
	}
}

func TestObserve(t *testing.T) {
	Init()
	Observe(ProbeDuration, 20*time.Millisecond)
	Observe(nil, time.Second)
}

func TestCorrelation(t *testing.T) {
	ctx := context.Background()
	if GetCorrelation(ctx) != "" {
		t.Error("empty context should have no correlation id")
	}
	ctx = WithCorrelation(ctx, "abc")
	if GetCorrelation(ctx) != "abc" {
		t.Errorf("GetCorrelation() = %q", GetCorrelation(ctx))
	}
	if LoggerWithCorr(ctx) == nil {
		t.Error("LoggerWithCorr returned nil")
	}
}

func TestStartSpanNoopProvider(t *testing.T) {
	ctx, span := StartSpan(WithCorrelation(context.Background(), "c1"), "test-span", AccountAttr("default"), ChannelAttr("room"))
	defer span.End()
	if ctx == nil {
		t.Fatal("nil context")
	}
	RecordError(span, errors.New("boom"))
	RecordError(span, nil)
}

func TestHTTPClientInstrumented(t *testing.T) {
	c := HTTPClient(5 * time.Second)
	if c.Timeout != 5*time.Second || c.Transport == nil {
		t.Errorf("client = %+v", c)
	}
}
