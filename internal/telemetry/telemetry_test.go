package telemetry

import (
	"context"
	"strings"
	"testing"
)

func TestInitDisabled(t *testing.T) {
	for _, cfg := range []Config{{}, {Enabled: true}, {OTLPEndpoint: "localhost:4317"}} {
		shutdown, err := Init(context.Background(), cfg, "test")
		if err != nil {
			t.Fatalf("%+v: %v", cfg, err)
		}
		if err := shutdown(context.Background()); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	}
}

func TestSampler(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{0, "AlwaysOnSampler"},
		{1, "AlwaysOnSampler"},
		{0.25, "ParentBased"},
	}
	for _, tt := range tests {
		if got := sampler(tt.ratio).Description(); !strings.HasPrefix(got, tt.want) {
			t.Errorf("sampler(%v) = %q, want prefix %q", tt.ratio, got, tt.want)
		}
	}
}
