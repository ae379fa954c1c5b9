package models

import (
	"strconv"
	"time"

	"gorm.io/datatypes"
)

//NotificationType classifies what produced a notification
type NotificationType string

//Known notification types
const (
	NotificationSystem       NotificationType = "SYSTEM"
	NotificationAlert        NotificationType = "ALERT"
	NotificationInfo         NotificationType = "INFO"
	NotificationCarePlan     NotificationType = "CARE_PLAN"
	NotificationDeviceAlert  NotificationType = "DEVICE_ALERT"
	NotificationSeasonEnding NotificationType = "SEASON_ENDING"
	NotificationHarvestAlert NotificationType = "HARVEST_ALERT"
)

//Priority of a notification
type Priority string

//Known priorities
const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

//RecipientAll addresses a notification to every user
const RecipientAll = "all"

//RecipientForUser returns the recipient string used for a single user
func RecipientForUser(userID uint) string {
	return strconv.FormatUint(uint64(userID), 10)
}

//Notification is the record of an alert or reminder sent to one or more users.
//DedupKey names the entity the notification is about and is used together
//with Type to suppress repeats within a window.
type Notification struct {
	ID           uint                    `gorm:"primarykey" json:"id"`
	Title        string                  `json:"title"`
	Content      string                  `json:"content"`
	Type         NotificationType        `gorm:"index" json:"type"`
	Priority     Priority                `json:"priority"`
	DedupKey     string                  `gorm:"index" json:"-"`
	Recipients   []NotificationRecipient `json:"recipients"`
	Data         datatypes.JSON          `json:"data,omitempty"`
	LocationID   *uint                   `json:"locationId,omitempty"`
	SensorDataID string                  `json:"sensorDataId,omitempty"`
	Read         bool                    `gorm:"column:is_read" json:"read"`
	ReadAt       *time.Time              `json:"read_at,omitempty"`
	CreatedByID  *uint                   `json:"createdBy,omitempty"`
	CreatedAt    time.Time               `gorm:"index" json:"created_at"`
}

//NotificationRecipient is either a user id or RecipientAll
type NotificationRecipient struct {
	ID             uint   `gorm:"primarykey" json:"-"`
	NotificationID uint   `gorm:"index" json:"-"`
	Recipient      string `gorm:"index" json:"recipient"`
}

//RecipientList returns the recipients as plain strings
func (n *Notification) RecipientList() []string {
	list := make([]string, 0, len(n.Recipients))
	for _, r := range n.Recipients {
		list = append(list, r.Recipient)
	}
	return list
}

//AddRecipients appends recipients to the notification
func (n *Notification) AddRecipients(recipients ...string) {
	for _, r := range recipients {
		n.Recipients = append(n.Recipients, NotificationRecipient{Recipient: r})
	}
}
