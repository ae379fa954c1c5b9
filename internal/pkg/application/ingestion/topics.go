package ingestion

import (
	"strings"
)

//Kind tells what a topic carries
type Kind int

//Topic kinds understood by the controller
const (
	Unrecognized Kind = iota
	DeviceStatus
	DeviceTelemetry
	LegacyTelemetry
)

func (k Kind) String() string {
	switch k {
	case DeviceStatus:
		return "device-status"
	case DeviceTelemetry:
		return "device-telemetry"
	case LegacyTelemetry:
		return "legacy-telemetry"
	}
	return "unrecognized"
}

//Route is a parsed topic. DeviceID is set for device topics and, optionally, for
//legacy topics. LocationCode and Metric are only set for legacy topics.
type Route struct {
	Kind         Kind
	DeviceID     string
	LocationCode string
	Metric       string
}

//Key is what messages are ordered by. Messages with the same key are handled in arrival order.
func (r Route) Key() string {
	if r.Kind == LegacyTelemetry {
		return "location:" + r.LocationCode
	}
	return "device:" + r.DeviceID
}

//ParseTopic classifies topic against the configured prefix. The per location data
//topic that we publish ourselves is reported as Unrecognized.
func ParseTopic(prefix, topic string) Route {
	rest := strings.TrimPrefix(topic, prefix+"/")
	if rest == topic || prefix == "" {
		return Route{Kind: Unrecognized}
	}

	segments := strings.Split(rest, "/")
	for _, s := range segments {
		if s == "" {
			return Route{Kind: Unrecognized}
		}
	}

	switch segments[0] {
	case "device":
		if len(segments) != 3 {
			break
		}

		switch segments[2] {
		case "status":
			return Route{Kind: DeviceStatus, DeviceID: segments[1]}
		case "data":
			return Route{Kind: DeviceTelemetry, DeviceID: segments[1]}
		}

	case "location":
		if len(segments) < 3 || len(segments) > 4 || segments[2] == "data" {
			break
		}

		route := Route{Kind: LegacyTelemetry, LocationCode: segments[1], Metric: segments[2]}
		if len(segments) == 4 {
			route.DeviceID = segments[3]
		}
		return route
	}

	return Route{Kind: Unrecognized}
}
