package models

import (
	"time"
)

//Metric is one of the measured quantities a reading can carry
type Metric string

//Metrics that are stored and evaluated against thresholds
const (
	MetricTemperature    Metric = "temperature"
	MetricSoilMoisture   Metric = "soil_moisture"
	MetricLightIntensity Metric = "light_intensity"
)

//Metrics lists all known metrics in a stable order
var Metrics = []Metric{MetricTemperature, MetricSoilMoisture, MetricLightIntensity}

type wireMetric struct {
	name   string
	metric Metric
}

//the firmware names come before the stored names of the same metric
var wireMetrics = []wireMetric{
	{"temperature", MetricTemperature},
	{"humidity", MetricSoilMoisture},
	{"soil_moisture", MetricSoilMoisture},
	{"light", MetricLightIntensity},
	{"light_intensity", MetricLightIntensity},
}

//ParseWireMetric maps the metric name used by device firmware, e.g. humidity, onto a Metric
func ParseWireMetric(name string) (Metric, bool) {
	for _, w := range wireMetrics {
		if w.name == name {
			return w.metric, true
		}
	}
	return "", false
}

//WireNames returns every accepted metric name in order of precedence
func WireNames() []string {
	names := make([]string, 0, len(wireMetrics))
	for _, w := range wireMetrics {
		names = append(names, w.name)
	}
	return names
}

//SensorReading is an immutable measurement. Metrics that were not part of the
//inbound message are left nil and stored as NULL.
type SensorReading struct {
	ID             uint      `gorm:"primarykey" json:"-"`
	DataID         string    `gorm:"uniqueIndex" json:"id"`
	LocationID     uint      `gorm:"index:readings_by_location,priority:1" json:"locationId"`
	RecordedAt     time.Time `gorm:"index:readings_by_location,priority:2" json:"recorded_at"`
	DeviceID       *string   `json:"deviceId,omitempty"`
	Temperature    *float64  `json:"temperature,omitempty"`
	SoilMoisture   *float64  `json:"soil_moisture,omitempty"`
	LightIntensity *float64  `json:"light_intensity,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

//Value returns the value of the given metric, or nil if the reading does not carry it
func (r *SensorReading) Value(m Metric) *float64 {
	switch m {
	case MetricTemperature:
		return r.Temperature
	case MetricSoilMoisture:
		return r.SoilMoisture
	case MetricLightIntensity:
		return r.LightIntensity
	}
	return nil
}

//Set stores a value for the given metric
func (r *SensorReading) Set(m Metric, value float64) {
	v := value
	switch m {
	case MetricTemperature:
		r.Temperature = &v
	case MetricSoilMoisture:
		r.SoilMoisture = &v
	case MetricLightIntensity:
		r.LightIntensity = &v
	}
}

//Present returns the metrics that this reading carries, in the order of Metrics
func (r *SensorReading) Present() []Metric {
	present := []Metric{}
	for _, m := range Metrics {
		if r.Value(m) != nil {
			present = append(present, m)
		}
	}
	return present
}
