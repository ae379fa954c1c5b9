package ingestion

import (
	"testing"
)

func TestParseTopic(t *testing.T) {
	cases := []struct {
		topic    string
		expected Route
	}{
		{"smartfarm/device/dev-1/status", Route{Kind: DeviceStatus, DeviceID: "dev-1"}},
		{"smartfarm/device/dev-1/data", Route{Kind: DeviceTelemetry, DeviceID: "dev-1"}},
		{"smartfarm/device/dev-1/config", Route{Kind: Unrecognized}},
		{"smartfarm/location/A1/temperature", Route{Kind: LegacyTelemetry, LocationCode: "A1", Metric: "temperature"}},
		{"smartfarm/location/A1/humidity/dev-2", Route{Kind: LegacyTelemetry, LocationCode: "A1", Metric: "humidity", DeviceID: "dev-2"}},
		{"smartfarm/location/A1/data", Route{Kind: Unrecognized}},
		{"smartfarm/location/A1", Route{Kind: Unrecognized}},
		{"smartfarm/device//data", Route{Kind: Unrecognized}},
		{"otherfarm/device/dev-1/data", Route{Kind: Unrecognized}},
		{"smartfarm", Route{Kind: Unrecognized}},
	}

	for _, c := range cases {
		route := ParseTopic("smartfarm", c.topic)
		if route != c.expected {
			t.Errorf("ParseTopic(%q) = %+v, expected %+v", c.topic, route, c.expected)
		}
	}
}

func TestThatPrefixMayContainSlashes(t *testing.T) {
	route := ParseTopic("farm/ptit", "farm/ptit/device/dev-1/data")
	if route.Kind != DeviceTelemetry || route.DeviceID != "dev-1" {
		t.Errorf("unexpected route %+v", route)
	}
}

func TestThatLegacyRoutesAreKeyedByLocation(t *testing.T) {
	a := ParseTopic("smartfarm", "smartfarm/location/A1/temperature/dev-1")
	b := ParseTopic("smartfarm", "smartfarm/location/A1/light")

	if a.Key() != b.Key() {
		t.Errorf("legacy messages for one location should share a key, got %s and %s", a.Key(), b.Key())
	}
}
