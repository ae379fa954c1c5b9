package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/infrastructure/config"
	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/infrastructure/logging"
	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/infrastructure/repositories/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

//ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("not found")

//Datastore is an interface that is used to inject the database into different handlers to improve testability
type Datastore interface {
	DeviceDirectory
	TelemetryStore
	ThresholdStore
	NotificationStore
	FarmStore

	//CreateEntities inserts already populated models, e.g. when registering devices or seeding a test database
	CreateEntities(ctx context.Context, entities ...interface{}) error
}

//DeviceDirectory resolves devices and their location assignments
type DeviceDirectory interface {
	GetDeviceByDeviceID(ctx context.Context, deviceID string) (*models.Device, error)
	GetDevices(ctx context.Context) ([]models.Device, error)
	UpdateDeviceStatus(ctx context.Context, deviceID string, status models.DeviceStatus, batteryLevel *float64, seen time.Time) error
	MarkDeviceActive(ctx context.Context, deviceID string, seen time.Time) error
	GetDevicesNeedingAttention(ctx context.Context, staleBefore time.Time, batteryThreshold float64) ([]models.Device, error)
}

//TelemetryStore appends sensor readings
type TelemetryStore interface {
	CreateSensorReading(ctx context.Context, reading *models.SensorReading) error
	GetLatestReadings(ctx context.Context, locationID uint, limit int) ([]models.SensorReading, error)
}

//ThresholdStore reads alert settings
type ThresholdStore interface {
	GetAlertSetting(ctx context.Context, locationID *uint) (*models.AlertSetting, error)
}

//NotificationStore persists and queries notifications
type NotificationStore interface {
	HasRecentNotification(ctx context.Context, dedupKey string, notificationType models.NotificationType, since time.Time) (bool, error)
	CreateNotification(ctx context.Context, notification *models.Notification) error
	ListNotifications(ctx context.Context, filter NotificationFilter) ([]models.Notification, int64, error)
	GetNotification(ctx context.Context, id uint, recipient string) (*models.Notification, error)
	FindNotification(ctx context.Context, id uint) (*models.Notification, error)
	DeleteNotification(ctx context.Context, id uint) error
	CountUnreadNotifications(ctx context.Context, recipient string) (int64, error)
	MarkNotificationRead(ctx context.Context, id uint, recipient string, at time.Time) error
	MarkAllNotificationsRead(ctx context.Context, recipient string, at time.Time) (int64, error)
}

//FarmStore navigates the user -> season -> location -> plant -> care plan hierarchy
type FarmStore interface {
	GetUser(ctx context.Context, id uint) (*models.User, error)
	GetUsers(ctx context.Context, ids []uint) ([]models.User, error)
	GetAllUsers(ctx context.Context) ([]models.User, error)
	GetSeason(ctx context.Context, id uint) (*models.Season, error)
	GetSeasonsEndingBetween(ctx context.Context, from, to time.Time) ([]models.Season, error)
	GetLocation(ctx context.Context, id uint) (*models.Location, error)
	GetLocationByCode(ctx context.Context, code string) (*models.Location, error)
	GetPlantByCarePlan(ctx context.Context, carePlanID uint) (*models.Plant, error)
	GetUpcomingCareTasks(ctx context.Context, from, to time.Time) ([]models.CareTask, error)
}

type myDB struct {
	impl *gorm.DB
	log  logging.Logger
}

//ConnectorFunc is used to inject a database connection method into NewDatabaseConnection
type ConnectorFunc func() (*gorm.DB, error)

//NewConnector picks a connector based on the configured driver
func NewConnector(cfg config.DatabaseConfig, log logging.Logger) ConnectorFunc {
	if cfg.Driver == "sqlite" {
		return NewSQLiteConnector(cfg.DSN)
	}
	return NewPostgreSQLConnector(cfg, log)
}

//NewPostgreSQLConnector opens a connection to a postgresql database, retrying a few times
//while the database is still starting up
func NewPostgreSQLConnector(cfg config.DatabaseConfig, log logging.Logger) ConnectorFunc {
	dbURI := fmt.Sprintf("host=%s user=%s dbname=%s sslmode=%s password=%s", cfg.Host, cfg.User, cfg.Name, cfg.SSLMode, cfg.Password)

	return func() (*gorm.DB, error) {
		var err error
		for attempt := 1; attempt <= 5; attempt++ {
			log.Infof("Connecting to database host %s (attempt %d) ...", cfg.Host, attempt)

			var db *gorm.DB
			db, err = gorm.Open(postgres.Open(dbURI), &gorm.Config{
				Logger: logger.Default.LogMode(logger.Warn),
			})
			if err == nil {
				return db, nil
			}

			log.Errorf("Failed to connect to database: %s", err.Error())
			time.Sleep(3 * time.Second)
		}

		return nil, fmt.Errorf("failed to connect to database after 5 attempts: %w", err)
	}
}

//NewSQLiteConnector opens a connection to a sqlite database. An empty dsn opens
//a shared in-memory database.
func NewSQLiteConnector(dsn string) ConnectorFunc {
	if dsn == "" {
		dsn = "file::memory:?cache=shared"
	}

	return func() (*gorm.DB, error) {
		db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})

		if err == nil {
			db.Exec("PRAGMA foreign_keys = ON")
		}

		return db, err
	}
}

//NewDatabaseConnection initializes a new connection to the database and wraps it in a Datastore
func NewDatabaseConnection(connect ConnectorFunc, log logging.Logger) (Datastore, error) {
	impl, err := connect()
	if err != nil {
		return nil, err
	}

	db := &myDB{
		impl: impl,
		log:  log,
	}

	err = db.impl.AutoMigrate(
		&models.User{},
		&models.Season{},
		&models.Location{},
		&models.CarePlan{},
		&models.Plant{},
		&models.CareTask{},
		&models.Device{},
		&models.SensorReading{},
		&models.AlertSetting{},
		&models.Notification{},
		&models.NotificationRecipient{},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	// Make sure that there is a system wide threshold row to fall back on
	defaults := models.AlertSetting{}
	result := db.impl.Where("location_id IS NULL").Limit(1).Find(&defaults)
	if result.Error != nil {
		return nil, result.Error
	}

	if result.RowsAffected == 0 {
		log.Infof("Default alert setting not found in database. Creating ...")

		result = db.impl.Create(models.DefaultAlertSetting())
		if result.Error != nil {
			log.Errorf("Failed to seed default AlertSetting into database %s", result.Error.Error())
			return nil, result.Error
		}
	}

	return db, nil
}

func (db *myDB) CreateEntities(ctx context.Context, entities ...interface{}) error {
	return db.impl.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, e := range entities {
			if result := tx.Create(e); result.Error != nil {
				return fmt.Errorf("failed to create %T: %w", e, result.Error)
			}
		}
		return nil
	})
}

//first loads a single row into dest and maps a miss onto ErrNotFound
func first(tx *gorm.DB, dest interface{}, what string) error {
	result := tx.Limit(1).Find(dest)
	if result.Error != nil {
		return fmt.Errorf("failed to load %s: %w", what, result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("no %s found: %w", what, ErrNotFound)
	}

	return nil
}
