package database

import (
	"context"
	"fmt"
	"time"

	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/infrastructure/repositories/models"
)

func (db *myDB) GetDeviceByDeviceID(ctx context.Context, deviceID string) (*models.Device, error) {
	device := &models.Device{}
	err := first(db.impl.WithContext(ctx).Where("device_id = ?", deviceID), device, "device "+deviceID)
	if err != nil {
		return nil, err
	}
	return device, nil
}

func (db *myDB) GetDevices(ctx context.Context) ([]models.Device, error) {
	devices := []models.Device{}
	result := db.impl.WithContext(ctx).Order("device_id").Find(&devices)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load devices: %w", result.Error)
	}
	return devices, nil
}

//UpdateDeviceStatus stores the status reported by a device. The battery level
//is only touched when the device reported one.
func (db *myDB) UpdateDeviceStatus(ctx context.Context, deviceID string, status models.DeviceStatus, batteryLevel *float64, seen time.Time) error {
	updates := map[string]interface{}{
		"status":    status,
		"last_seen": seen,
	}

	if status == models.DeviceStatusActive {
		updates["last_active"] = seen
	}

	if batteryLevel != nil {
		updates["battery_level"] = *batteryLevel
	}

	return db.updateDevice(ctx, deviceID, updates)
}

//MarkDeviceActive records that a message attributable to the device arrived
func (db *myDB) MarkDeviceActive(ctx context.Context, deviceID string, seen time.Time) error {
	return db.updateDevice(ctx, deviceID, map[string]interface{}{
		"status":      models.DeviceStatusActive,
		"last_seen":   seen,
		"last_active": seen,
	})
}

func (db *myDB) updateDevice(ctx context.Context, deviceID string, updates map[string]interface{}) error {
	result := db.impl.WithContext(ctx).Model(&models.Device{}).Where("device_id = ?", deviceID).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update device %s: %w", deviceID, result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("no device %s found: %w", deviceID, ErrNotFound)
	}

	return nil
}

//GetDevicesNeedingAttention returns devices that are not active and have not been seen
//since staleBefore, together with devices whose battery is at or below the threshold
func (db *myDB) GetDevicesNeedingAttention(ctx context.Context, staleBefore time.Time, batteryThreshold float64) ([]models.Device, error) {
	devices := []models.Device{}

	result := db.impl.WithContext(ctx).
		Where("(status <> ? AND last_seen < ?) OR (battery_level IS NOT NULL AND battery_level <= ?)",
			models.DeviceStatusActive, staleBefore, batteryThreshold).
		Order("id").
		Find(&devices)

	if result.Error != nil {
		return nil, fmt.Errorf("failed to query devices needing attention: %w", result.Error)
	}

	return devices, nil
}
