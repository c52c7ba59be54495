package publish

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/fieldgate/fieldgate-core/internal/broadcast"
)

func sampleUpdate(format string) broadcast.Update {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	return broadcast.Update{
		DeviceID:    "dev-1",
		HardwareID:  "Pump_Station_1",
		TopicPrefix: "site/pumps/ps1/",
		Format:      format,
		Timestamp:   ts,
		Values: []broadcast.TagValue{
			{Name: "FlowRate", Value: 42.5, Type: "REAL", Timestamp: ts},
			{Name: "Running", Value: true, Type: "BOOL", Timestamp: ts},
		},
	}
}

func TestRenderStructured(t *testing.T) {
	msgs, err := render(sampleUpdate("structured"))
	if err != nil {
		t.Fatalf("render() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("render() produced %d messages, want 2", len(msgs))
	}

	if msgs[0].topic != "site/pumps/ps1/FlowRate" {
		t.Errorf("topic = %q, want site/pumps/ps1/FlowRate", msgs[0].topic)
	}

	var body tagPayload
	if err := json.Unmarshal(msgs[0].payload, &body); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if body.Value != 42.5 || body.Type != "REAL" {
		t.Errorf("payload = %+v, want value 42.5 type REAL", body)
	}
	if body.Timestamp != "2026-03-14T09:26:53Z" {
		t.Errorf("timestamp = %q, want RFC3339", body.Timestamp)
	}
}

func TestRenderScalar(t *testing.T) {
	msgs, err := render(sampleUpdate("scalar"))
	if err != nil {
		t.Fatalf("render() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("render() produced %d messages, want 2", len(msgs))
	}

	if got := string(msgs[0].payload); got != "42.5" {
		t.Errorf("FlowRate payload = %q, want 42.5", got)
	}
	if got := string(msgs[1].payload); got != "true" {
		t.Errorf("Running payload = %q, want true", got)
	}
}

func TestRenderAggregate(t *testing.T) {
	msgs, err := render(sampleUpdate("aggregate"))
	if err != nil {
		t.Fatalf("render() error = %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("render() produced %d messages, want 1", len(msgs))
	}
	if msgs[0].topic != "site/pumps/ps1/data" {
		t.Errorf("topic = %q, want site/pumps/ps1/data", msgs[0].topic)
	}

	var body map[string]any
	if err := json.Unmarshal(msgs[0].payload, &body); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if body["HWID"] != "Pump_Station_1" {
		t.Errorf("HWID = %v, want Pump_Station_1", body["HWID"])
	}
	if body["FlowRate"] != 42.5 || body["Running"] != true {
		t.Errorf("tag values = %v/%v, want 42.5/true", body["FlowRate"], body["Running"])
	}
	if body["Timestamp"] != "2026-03-14T09:26:53Z" {
		t.Errorf("Timestamp = %v, want RFC3339", body["Timestamp"])
	}
}

func TestRenderSkipsErroredEntries(t *testing.T) {
	u := sampleUpdate("structured")
	u.Values = append(u.Values, broadcast.TagValue{Name: "Pressure", Error: "sensor fault"})

	for _, format := range []string{"structured", "scalar"} {
		u.Format = format
		msgs, err := render(u)
		if err != nil {
			t.Fatalf("render(%s) error = %v", format, err)
		}
		if len(msgs) != 2 {
			t.Fatalf("render(%s) produced %d messages, want 2", format, len(msgs))
		}
		for _, m := range msgs {
			if m.topic == "site/pumps/ps1/Pressure" {
				t.Errorf("render(%s) published the errored tag", format)
			}
		}
	}

	u.Format = "aggregate"
	msgs, err := render(u)
	if err != nil {
		t.Fatalf("render(aggregate) error = %v", err)
	}
	var body map[string]any
	if err := json.Unmarshal(msgs[0].payload, &body); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if _, there := body["Pressure"]; there {
		t.Error("aggregate body carries the errored tag")
	}
	if body["FlowRate"] != 42.5 {
		t.Errorf("FlowRate = %v, want 42.5", body["FlowRate"])
	}
}

func TestRenderUnknownFormatFallsBackToStructured(t *testing.T) {
	msgs, err := render(sampleUpdate("csv"))
	if err != nil {
		t.Fatalf("render() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("render() produced %d messages, want structured fallback of 2", len(msgs))
	}
}
