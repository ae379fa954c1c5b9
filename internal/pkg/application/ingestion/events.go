package ingestion

import (
	"time"

	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/infrastructure/repositories/models"
)

//ReadingPersisted is published on the message bus after a reading has been stored
type ReadingPersisted struct {
	ID             string    `json:"id"`
	LocationID     uint      `json:"locationId"`
	DeviceID       string    `json:"deviceId,omitempty"`
	Temperature    *float64  `json:"temperature,omitempty"`
	SoilMoisture   *float64  `json:"soil_moisture,omitempty"`
	LightIntensity *float64  `json:"light_intensity,omitempty"`
	RecordedAt     time.Time `json:"recorded_at"`
}

func newReadingPersisted(r *models.SensorReading) *ReadingPersisted {
	event := &ReadingPersisted{
		ID:             r.DataID,
		LocationID:     r.LocationID,
		Temperature:    r.Temperature,
		SoilMoisture:   r.SoilMoisture,
		LightIntensity: r.LightIntensity,
		RecordedAt:     r.RecordedAt,
	}

	if r.DeviceID != nil {
		event.DeviceID = *r.DeviceID
	}

	return event
}

//ContentType returns the content type of this message
func (m *ReadingPersisted) ContentType() string {
	return "application/json"
}

//TopicName returns the topic this message is published on
func (m *ReadingPersisted) TopicName() string {
	return "smartfarm.reading.persisted"
}
