package models

import (
	"gorm.io/gorm"
)

//Bounds is the acceptable closed range for a metric
type Bounds struct {
	Min float64
	Max float64
}

//Below reports whether value is under the lower bound
func (b Bounds) Below(value float64) bool {
	return value < b.Min
}

//Above reports whether value is over the upper bound
func (b Bounds) Above(value float64) bool {
	return value > b.Max
}

//AlertSetting holds the thresholds for a location. A row without a
//LocationID is the system wide default.
type AlertSetting struct {
	gorm.Model
	LocationID        *uint `gorm:"uniqueIndex"`
	TemperatureMin    float64
	TemperatureMax    float64
	SoilMoistureMin   float64
	SoilMoistureMax   float64
	LightIntensityMin float64
	LightIntensityMax float64
}

//DefaultAlertSetting returns the thresholds used when nothing is configured
func DefaultAlertSetting() *AlertSetting {
	return &AlertSetting{
		TemperatureMin:    18,
		TemperatureMax:    30,
		SoilMoistureMin:   30,
		SoilMoistureMax:   70,
		LightIntensityMin: 100,
		LightIntensityMax: 1000,
	}
}

//Bounds returns the range configured for the given metric
func (s *AlertSetting) Bounds(m Metric) (Bounds, bool) {
	switch m {
	case MetricTemperature:
		return Bounds{Min: s.TemperatureMin, Max: s.TemperatureMax}, true
	case MetricSoilMoisture:
		return Bounds{Min: s.SoilMoistureMin, Max: s.SoilMoistureMax}, true
	case MetricLightIntensity:
		return Bounds{Min: s.LightIntensityMin, Max: s.LightIntensityMax}, true
	}
	return Bounds{}, false
}
