package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/infrastructure/repositories/models"
)

//CreateSensorReading appends a reading. The reading is given a public DataID if it has none.
func (db *myDB) CreateSensorReading(ctx context.Context, reading *models.SensorReading) error {
	if len(reading.Present()) == 0 {
		return fmt.Errorf("refusing to store a reading without metrics for location %d", reading.LocationID)
	}

	if reading.DataID == "" {
		reading.DataID = uuid.New().String()
	}

	result := db.impl.WithContext(ctx).Create(reading)
	if result.Error != nil {
		return fmt.Errorf("failed to store sensor reading: %w", result.Error)
	}

	return nil
}

func (db *myDB) GetLatestReadings(ctx context.Context, locationID uint, limit int) ([]models.SensorReading, error) {
	if limit <= 0 {
		limit = 1
	}

	readings := []models.SensorReading{}
	result := db.impl.WithContext(ctx).
		Where("location_id = ?", locationID).
		Order("recorded_at DESC, id DESC").
		Limit(limit).
		Find(&readings)

	if result.Error != nil {
		return nil, fmt.Errorf("failed to load readings for location %d: %w", locationID, result.Error)
	}

	return readings, nil
}

//GetAlertSetting returns the thresholds stored for a location, or the system
//wide row when locationID is nil
func (db *myDB) GetAlertSetting(ctx context.Context, locationID *uint) (*models.AlertSetting, error) {
	setting := &models.AlertSetting{}
	tx := db.impl.WithContext(ctx)

	var err error
	if locationID == nil {
		err = first(tx.Where("location_id IS NULL"), setting, "default alert setting")
	} else {
		err = first(tx.Where("location_id = ?", *locationID), setting, fmt.Sprintf("alert setting for location %d", *locationID))
	}

	if err != nil {
		return nil, err
	}

	return setting, nil
}
