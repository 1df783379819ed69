package obsmetrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sich-link/sich/internal/obsmetrics"
)

func TestNewCollectorRegisters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := obsmetrics.NewCollector(reg)

	c.SetChannelStats("157MHz", 92, 3, 24, -55)
	c.SetLinkState("connected")
	c.RecordStateTransition("waiting", "connected")
	c.IncHops("gs")
	c.IncHopFailures("gs")
	c.IncMeasurementsDropped("video")

	mf, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	if len(mf) == 0 {
		t.Fatal("Gather() returned no metric families")
	}
}

func TestSetLinkStateExclusive(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := obsmetrics.NewCollector(reg)

	c.SetLinkState("armed")
	c.SetLinkState("connected")

	mf, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}

	var found bool
	for _, fam := range mf {
		if fam.GetName() != "sich_link_state" {
			continue
		}
		for _, m := range fam.Metric {
			for _, l := range m.Label {
				if l.GetName() == "state" && l.GetValue() == "connected" {
					if m.Gauge.GetValue() != 1 {
						t.Errorf("connected gauge = %v, want 1", m.Gauge.GetValue())
					}
					found = true
				}
				if l.GetName() == "state" && l.GetValue() == "armed" {
					if m.Gauge.GetValue() != 0 {
						t.Errorf("armed gauge = %v, want 0 after switching to connected", m.Gauge.GetValue())
					}
				}
			}
		}
	}
	if !found {
		t.Fatal("connected state gauge not found")
	}
}
