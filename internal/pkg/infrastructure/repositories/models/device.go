package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

//DeviceStatus is the lifecycle state a device reports about itself
type DeviceStatus string

//Known device statuses
const (
	DeviceStatusActive           DeviceStatus = "Active"
	DeviceStatusInactive         DeviceStatus = "Inactive"
	DeviceStatusOffline          DeviceStatus = "Offline"
	DeviceStatusNeedsMaintenance DeviceStatus = "NeedsMaintenance"
)

var deviceStatusAliases = map[string]DeviceStatus{
	"active":            DeviceStatusActive,
	"online":            DeviceStatusActive,
	"inactive":          DeviceStatusInactive,
	"offline":           DeviceStatusOffline,
	"needsmaintenance":  DeviceStatusNeedsMaintenance,
	"needs_maintenance": DeviceStatusNeedsMaintenance,
	"maintenance":       DeviceStatusNeedsMaintenance,
}

//ParseDeviceStatus maps a status string as sent by device firmware onto a DeviceStatus
func ParseDeviceStatus(s string) (DeviceStatus, bool) {
	status, ok := deviceStatusAliases[strings.ToLower(strings.TrimSpace(s))]
	return status, ok
}

//Device is the database model to store registered devices in our database
type Device struct {
	gorm.Model
	DeviceID        string `gorm:"unique"`
	Name            string
	Type            string
	LocationID      *uint        `gorm:"index"`
	Status          DeviceStatus `gorm:"default:Inactive"`
	LastActive      *time.Time
	LastSeen        time.Time `gorm:"index"`
	BatteryLevel    *float64
	FirmwareVersion string
	RegisteredByID  uint
}

//DisplayName returns the human name of the device, or its wire identifier when it has none
func (d *Device) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.DeviceID
}
