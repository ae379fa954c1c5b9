package alerts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/application/notifications"
	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/infrastructure/logging"
	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/infrastructure/repositories/database"
	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/infrastructure/repositories/models"
)

//Store is what the evaluator reads to find thresholds and the owner of a location
type Store interface {
	SettingStore
	GetLocation(ctx context.Context, id uint) (*models.Location, error)
	GetSeason(ctx context.Context, id uint) (*models.Season, error)
	GetUser(ctx context.Context, id uint) (*models.User, error)
}

//Notifier creates deduplicated notifications
type Notifier interface {
	Notify(ctx context.Context, candidate notifications.Candidate, dedupKey string, window time.Duration) (*models.Notification, error)
}

type direction string

const (
	below direction = "below"
	above direction = "above"
)

type metricInfo struct {
	label string
	unit  string
	low   models.Priority
	high  models.Priority
}

var metricInfos = map[models.Metric]metricInfo{
	models.MetricTemperature:    {label: "Temperature", unit: "°C", low: models.PriorityHigh, high: models.PriorityHigh},
	models.MetricSoilMoisture:   {label: "Soil moisture", unit: "%", low: models.PriorityHigh, high: models.PriorityMedium},
	models.MetricLightIntensity: {label: "Light intensity", unit: " lux", low: models.PriorityLow, high: models.PriorityMedium},
}

//Evaluator compares metric values with the thresholds of a location and
//notifies the owner of the location when a value is out of range
type Evaluator struct {
	store  Store
	policy *ThresholdPolicy
	sink   Notifier
	window time.Duration
	log    logging.Logger
}

//NewEvaluator creates an evaluator that suppresses repeated alerts for the same
//location and metric within window
func NewEvaluator(store Store, sink Notifier, window time.Duration, log logging.Logger) *Evaluator {
	return &Evaluator{
		store:  store,
		policy: NewThresholdPolicy(store),
		sink:   sink,
		window: window,
		log:    log,
	}
}

//DedupKey identifies alerts about one metric at one location
func DedupKey(locationID uint, metric models.Metric) string {
	return fmt.Sprintf("location:%d:%s", locationID, metric)
}

//Evaluate checks value against the effective thresholds of the location. It reports
//whether a new notification was created. Values equal to a bound are in range.
func (e *Evaluator) Evaluate(ctx context.Context, locationID uint, metric models.Metric, value float64, readingRef string) (bool, error) {
	info, ok := metricInfos[metric]
	if !ok {
		return false, fmt.Errorf("unknown metric %q", metric)
	}

	setting, err := e.policy.SettingFor(ctx, locationID)
	if err != nil {
		return false, err
	}

	bounds, _ := setting.Bounds(metric)

	var dir direction
	var threshold float64
	var priority models.Priority

	switch {
	case bounds.Below(value):
		dir, threshold, priority = below, bounds.Min, info.low
	case bounds.Above(value):
		dir, threshold, priority = above, bounds.Max, info.high
	default:
		return false, nil
	}

	location, owner, err := e.owner(ctx, locationID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			e.log.Warnf("Not alerting on %s at location %d: %s", metric, locationID, err.Error())
			return false, nil
		}
		return false, err
	}

	candidate := notifications.Candidate{
		Title:      title(info, dir, location),
		Content:    content(info, dir, value, threshold, location),
		Type:       models.NotificationAlert,
		Priority:   priority,
		Recipients: []string{models.RecipientForUser(owner.ID)},
		Data: map[string]interface{}{
			"locationId":   locationID,
			"metric":       string(metric),
			"value":        value,
			"threshold":    threshold,
			"direction":    string(dir),
			"sensorDataId": readingRef,
		},
		LocationID:   &locationID,
		SensorDataID: readingRef,
		EmailDetails: advice(metric, dir),
	}

	created, err := e.sink.Notify(ctx, candidate, DedupKey(locationID, metric), e.window)
	if err != nil {
		return false, err
	}

	return created != nil, nil
}

//owner follows location -> season -> user
func (e *Evaluator) owner(ctx context.Context, locationID uint) (*models.Location, *models.User, error) {
	location, err := e.store.GetLocation(ctx, locationID)
	if err != nil {
		return nil, nil, err
	}

	season, err := e.store.GetSeason(ctx, location.SeasonID)
	if err != nil {
		return nil, nil, err
	}

	user, err := e.store.GetUser(ctx, season.UserID)
	if err != nil {
		return nil, nil, err
	}

	return location, user, nil
}

func title(info metricInfo, dir direction, location *models.Location) string {
	level := "high"
	if dir == below {
		level = "low"
	}
	return fmt.Sprintf("%s too %s at %s", info.label, level, location.Name)
}

func content(info metricInfo, dir direction, value, threshold float64, location *models.Location) string {
	bound := "maximum"
	if dir == below {
		bound = "minimum"
	}

	return fmt.Sprintf("%s at %s is %.1f%s, %s the %s of %.1f%s.",
		info.label, location.Name, value, info.unit, dir, bound, threshold, info.unit)
}

func advice(metric models.Metric, dir direction) string {
	switch {
	case metric == models.MetricTemperature && dir == above:
		return "Consider shading or ventilating the area."
	case metric == models.MetricTemperature && dir == below:
		return "Consider covering or heating the area."
	case metric == models.MetricSoilMoisture && dir == below:
		return "The plants may need watering."
	case metric == models.MetricSoilMoisture && dir == above:
		return "Check drainage and pause irrigation."
	case metric == models.MetricLightIntensity && dir == below:
		return "Consider supplementary lighting."
	}
	return "Consider shading the area."
}
