package notifications

import (
	"time"

	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/infrastructure/repositories/models"
)

//NotificationCreated is published on the message bus whenever a notification is stored
type NotificationCreated struct {
	ID         uint                    `json:"id"`
	Type       models.NotificationType `json:"type"`
	Priority   models.Priority         `json:"priority"`
	Title      string                  `json:"title"`
	Recipients []string                `json:"recipients"`
	LocationID *uint                   `json:"locationId,omitempty"`
	CreatedAt  time.Time               `json:"created_at"`
}

func newNotificationCreated(n *models.Notification) *NotificationCreated {
	return &NotificationCreated{
		ID:         n.ID,
		Type:       n.Type,
		Priority:   n.Priority,
		Title:      n.Title,
		Recipients: n.RecipientList(),
		LocationID: n.LocationID,
		CreatedAt:  n.CreatedAt,
	}
}

//ContentType returns the content type of this message
func (m *NotificationCreated) ContentType() string {
	return "application/json"
}

//TopicName returns the topic this message is published on
func (m *NotificationCreated) TopicName() string {
	return "smartfarm.notification.created"
}
