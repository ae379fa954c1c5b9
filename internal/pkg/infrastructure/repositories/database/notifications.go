package database

import (
	"context"
	"fmt"
	"time"

	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/infrastructure/repositories/models"
	"gorm.io/gorm"
)

//NotificationFilter narrows down the notifications listed for a recipient
type NotificationFilter struct {
	Recipient string
	Type      models.NotificationType
	Read      *bool
	Offset    int
	Limit     int
}

//HasRecentNotification reports whether a notification with the same dedup key and type
//has been created at or after since
func (db *myDB) HasRecentNotification(ctx context.Context, dedupKey string, notificationType models.NotificationType, since time.Time) (bool, error) {
	var count int64

	result := db.impl.WithContext(ctx).Model(&models.Notification{}).
		Where("dedup_key = ? AND type = ? AND created_at >= ?", dedupKey, notificationType, since).
		Count(&count)

	if result.Error != nil {
		return false, fmt.Errorf("failed to look for recent notifications: %w", result.Error)
	}

	return count > 0, nil
}

func (db *myDB) CreateNotification(ctx context.Context, notification *models.Notification) error {
	result := db.impl.WithContext(ctx).Create(notification)
	if result.Error != nil {
		return fmt.Errorf("failed to store notification: %w", result.Error)
	}
	return nil
}

func (db *myDB) addressedTo(ctx context.Context, recipient string) *gorm.DB {
	recipients := []string{models.RecipientAll}
	if recipient != "" && recipient != models.RecipientAll {
		recipients = append(recipients, recipient)
	}

	return db.impl.WithContext(ctx).Model(&models.NotificationRecipient{}).
		Select("notification_id").
		Where("recipient IN ?", recipients)
}

func (db *myDB) ListNotifications(ctx context.Context, filter NotificationFilter) ([]models.Notification, int64, error) {
	query := db.impl.WithContext(ctx).Model(&models.Notification{}).
		Where("id IN (?)", db.addressedTo(ctx, filter.Recipient))

	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}

	if filter.Read != nil {
		query = query.Where("is_read = ?", *filter.Read)
	}

	query = query.Session(&gorm.Session{})

	var total int64
	if result := query.Count(&total); result.Error != nil {
		return nil, 0, fmt.Errorf("failed to count notifications: %w", result.Error)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 10
	}

	notifications := []models.Notification{}
	result := query.Preload("Recipients").
		Order("created_at DESC, id DESC").
		Offset(filter.Offset).
		Limit(limit).
		Find(&notifications)

	if result.Error != nil {
		return nil, 0, fmt.Errorf("failed to list notifications: %w", result.Error)
	}

	return notifications, total, nil
}

//GetNotification loads a notification if it is addressed to recipient
func (db *myDB) GetNotification(ctx context.Context, id uint, recipient string) (*models.Notification, error) {
	notification := &models.Notification{}

	query := db.impl.WithContext(ctx).Preload("Recipients").
		Where("id = ?", id).
		Where("id IN (?)", db.addressedTo(ctx, recipient))

	if err := first(query, notification, fmt.Sprintf("notification %d", id)); err != nil {
		return nil, err
	}

	return notification, nil
}

func (db *myDB) CountUnreadNotifications(ctx context.Context, recipient string) (int64, error) {
	var count int64

	result := db.impl.WithContext(ctx).Model(&models.Notification{}).
		Where("id IN (?)", db.addressedTo(ctx, recipient)).
		Where("is_read = ?", false).
		Count(&count)

	if result.Error != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", result.Error)
	}

	return count, nil
}

//MarkNotificationRead flips the read flag of a notification addressed to recipient
func (db *myDB) MarkNotificationRead(ctx context.Context, id uint, recipient string, at time.Time) error {
	result := db.impl.WithContext(ctx).Model(&models.Notification{}).
		Where("id = ?", id).
		Where("id IN (?)", db.addressedTo(ctx, recipient)).
		Updates(map[string]interface{}{"is_read": true, "read_at": at})

	if result.Error != nil {
		return fmt.Errorf("failed to mark notification %d as read: %w", id, result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("no notification %d for %s: %w", id, recipient, ErrNotFound)
	}

	return nil
}

func (db *myDB) MarkAllNotificationsRead(ctx context.Context, recipient string, at time.Time) (int64, error) {
	result := db.impl.WithContext(ctx).Model(&models.Notification{}).
		Where("id IN (?)", db.addressedTo(ctx, recipient)).
		Where("is_read = ?", false).
		Updates(map[string]interface{}{"is_read": true, "read_at": at})

	if result.Error != nil {
		return 0, fmt.Errorf("failed to mark notifications as read: %w", result.Error)
	}

	return result.RowsAffected, nil
}

//FindNotification loads a notification regardless of who it is addressed to
func (db *myDB) FindNotification(ctx context.Context, id uint) (*models.Notification, error) {
	notification := &models.Notification{}

	query := db.impl.WithContext(ctx).Preload("Recipients").Where("id = ?", id)
	if err := first(query, notification, fmt.Sprintf("notification %d", id)); err != nil {
		return nil, err
	}

	return notification, nil
}

//DeleteNotification removes a notification together with its recipients
func (db *myDB) DeleteNotification(ctx context.Context, id uint) error {
	return db.impl.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("notification_id = ?", id).Delete(&models.NotificationRecipient{}).Error; err != nil {
			return fmt.Errorf("failed to delete recipients of notification %d: %w", id, err)
		}

		result := tx.Delete(&models.Notification{}, id)
		if result.Error != nil {
			return fmt.Errorf("failed to delete notification %d: %w", id, result.Error)
		}

		if result.RowsAffected == 0 {
			return fmt.Errorf("no notification %d: %w", id, ErrNotFound)
		}

		return nil
	})
}
