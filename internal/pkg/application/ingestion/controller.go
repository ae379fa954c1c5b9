package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/infrastructure/logging"
	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/infrastructure/repositories/database"
	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/infrastructure/repositories/models"
	"github.com/iot-for-tillgenglighet/messaging-golang/pkg/messaging"
)

//Store is the persistence the ingestion controller depends on
type Store interface {
	GetDeviceByDeviceID(ctx context.Context, deviceID string) (*models.Device, error)
	UpdateDeviceStatus(ctx context.Context, deviceID string, status models.DeviceStatus, batteryLevel *float64, seen time.Time) error
	MarkDeviceActive(ctx context.Context, deviceID string, seen time.Time) error
	CreateSensorReading(ctx context.Context, reading *models.SensorReading) error
	GetLocation(ctx context.Context, id uint) (*models.Location, error)
	GetLocationByCode(ctx context.Context, code string) (*models.Location, error)
}

//AlertEvaluator checks a single metric value against the thresholds of a location
type AlertEvaluator interface {
	Evaluate(ctx context.Context, locationID uint, metric models.Metric, value float64, readingRef string) (bool, error)
}

//Publisher sends a payload on a transport topic. Publish waits for the broker to
//acknowledge the message, PublishAsync only hands it off.
type Publisher interface {
	Publish(topic string, payload []byte) error
	PublishAsync(topic string, payload []byte) error
}

//ErrInvalidDeviceConfig is returned when a device id or configuration can not be published
var ErrInvalidDeviceConfig = errors.New("invalid device config")

//MessagingContext is an interface that allows mocking of messaging.Context parameters
type MessagingContext interface {
	PublishOnTopic(message messaging.TopicMessage) error
}

//Message is an inbound transport message stamped with its arrival time
type Message struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

//Controller turns transport messages into device updates, stored readings and alert evaluations
type Controller struct {
	prefix    string
	store     Store
	alerts    AlertEvaluator
	publisher Publisher
	messenger MessagingContext
	log       logging.Logger
}

//NewController creates a controller for topics under prefix. messenger may be nil.
func NewController(prefix string, store Store, alerts AlertEvaluator, publisher Publisher, messenger MessagingContext, log logging.Logger) *Controller {
	return &Controller{
		prefix:    prefix,
		store:     store,
		alerts:    alerts,
		publisher: publisher,
		messenger: messenger,
		log:       log,
	}
}

//Handle processes one message. Malformed messages and messages that can not be attributed
//to a location are logged and dropped without error. Persistence failures are returned.
func (c *Controller) Handle(ctx context.Context, msg Message) error {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}

	route := ParseTopic(c.prefix, msg.Topic)

	switch route.Kind {
	case DeviceStatus:
		return c.handleStatus(ctx, route, msg)
	case DeviceTelemetry:
		return c.handleTelemetry(ctx, route, msg)
	case LegacyTelemetry:
		return c.handleLegacy(ctx, route, msg)
	}

	c.log.Debugf("Ignoring message on unrecognized topic %s", msg.Topic)
	return nil
}

type statusPayload struct {
	Status       string   `json:"status"`
	BatteryLevel *float64 `json:"battery_level"`
}

func (c *Controller) handleStatus(ctx context.Context, route Route, msg Message) error {
	payload := statusPayload{}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		c.log.Errorf("Dropping malformed status message on %s: %s", msg.Topic, err.Error())
		return nil
	}

	status, ok := models.ParseDeviceStatus(payload.Status)
	if !ok {
		c.log.Errorf("Dropping status message on %s with unknown status %q", msg.Topic, payload.Status)
		return nil
	}

	battery := payload.BatteryLevel
	if battery != nil && (*battery < 0 || *battery > 100) {
		c.log.Warnf("Ignoring battery level %v outside 0-100 from device %s", *battery, route.DeviceID)
		battery = nil
	}

	err := c.store.UpdateDeviceStatus(ctx, route.DeviceID, status, battery, msg.ReceivedAt)
	if errors.Is(err, database.ErrNotFound) {
		c.log.Infof("Status message from unknown device %s dropped", route.DeviceID)
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to update status of device %s: %w", route.DeviceID, err)
	}

	c.log.Infof("Device %s reported status %s", route.DeviceID, status)
	return nil
}

func (c *Controller) handleTelemetry(ctx context.Context, route Route, msg Message) error {
	device, err := c.store.GetDeviceByDeviceID(ctx, route.DeviceID)
	if errors.Is(err, database.ErrNotFound) {
		c.log.Infof("Telemetry from unknown device %s dropped", route.DeviceID)
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to look up device %s: %w", route.DeviceID, err)
	}

	// any message from a known device proves that it is alive
	if err := c.store.MarkDeviceActive(ctx, device.DeviceID, msg.ReceivedAt); err != nil && !errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("failed to mark device %s active: %w", device.DeviceID, err)
	}

	if device.LocationID == nil {
		c.log.Infof("Device %s is not assigned to a location, telemetry dropped", route.DeviceID)
		return nil
	}

	fields, reading, err := decodeTelemetry(msg.Payload)
	if err != nil {
		c.log.Errorf("Dropping malformed telemetry on %s: %s", msg.Topic, err.Error())
		return nil
	}

	if len(reading.Present()) == 0 {
		c.log.Infof("Telemetry from device %s carried no metrics", device.DeviceID)
		return nil
	}

	reading.LocationID = *device.LocationID
	reading.DeviceID = &device.DeviceID
	reading.RecordedAt = msg.ReceivedAt

	if err := c.store.CreateSensorReading(ctx, reading); err != nil {
		return fmt.Errorf("failed to store reading from device %s: %w", device.DeviceID, err)
	}

	c.log.Infof("Stored reading %s from device %s for location %d", reading.DataID, device.DeviceID, reading.LocationID)

	c.forward(ctx, device, reading, fields)
	c.announce(reading)

	return c.evaluate(ctx, reading)
}

func (c *Controller) handleLegacy(ctx context.Context, route Route, msg Message) error {
	metric, ok := models.ParseWireMetric(route.Metric)
	if !ok {
		c.log.Errorf("Dropping legacy message on %s with unknown metric %q", msg.Topic, route.Metric)
		return nil
	}

	value, err := parseValue(string(msg.Payload))
	if err != nil {
		c.log.Errorf("Dropping non numeric legacy payload on %s", msg.Topic)
		return nil
	}

	location, err := c.store.GetLocationByCode(ctx, route.LocationCode)
	if errors.Is(err, database.ErrNotFound) {
		c.log.Infof("Legacy telemetry for unknown location code %s dropped", route.LocationCode)
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to look up location %s: %w", route.LocationCode, err)
	}

	reading := &models.SensorReading{
		LocationID: location.ID,
		RecordedAt: msg.ReceivedAt,
	}
	reading.Set(metric, value)

	if route.DeviceID != "" {
		err := c.store.MarkDeviceActive(ctx, route.DeviceID, msg.ReceivedAt)
		if err == nil {
			deviceID := route.DeviceID
			reading.DeviceID = &deviceID
		} else if errors.Is(err, database.ErrNotFound) {
			c.log.Warnf("Legacy telemetry names unknown device %s", route.DeviceID)
		} else {
			return fmt.Errorf("failed to mark device %s active: %w", route.DeviceID, err)
		}
	}

	if err := c.store.CreateSensorReading(ctx, reading); err != nil {
		return fmt.Errorf("failed to store legacy reading for location %s: %w", route.LocationCode, err)
	}

	c.log.Infof("Stored legacy %s reading %s for location %d", metric, reading.DataID, location.ID)

	c.announce(reading)

	return c.evaluate(ctx, reading)
}

//evaluate runs the alert evaluator for every metric in the reading. A failing
//metric does not stop the others, the first error is returned.
func (c *Controller) evaluate(ctx context.Context, reading *models.SensorReading) error {
	var firstErr error

	for _, metric := range reading.Present() {
		_, err := c.alerts.Evaluate(ctx, reading.LocationID, metric, *reading.Value(metric), reading.DataID)
		if err != nil {
			c.log.Errorf("Alert evaluation of %s for location %d failed: %s", metric, reading.LocationID, err.Error())
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

//forward republishes device telemetry on the per location topic that older consumers listen to
func (c *Controller) forward(ctx context.Context, device *models.Device, reading *models.SensorReading, fields map[string]interface{}) {
	location, err := c.store.GetLocation(ctx, reading.LocationID)
	if err != nil {
		c.log.Errorf("Not forwarding reading %s: %s", reading.DataID, err.Error())
		return
	}

	if location.LocationCode == "" {
		return
	}

	fields["device_id"] = device.DeviceID
	fields["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	fields["data_id"] = reading.DataID

	payload, err := json.Marshal(fields)
	if err != nil {
		c.log.Errorf("Failed to encode forwarded reading %s: %s", reading.DataID, err.Error())
		return
	}

	topic := fmt.Sprintf("%s/location/%s/data", c.prefix, location.LocationCode)
	// waiting for the broker here would hold up the worker and, behind it, the transport callback
	if err := c.publisher.PublishAsync(topic, payload); err != nil {
		c.log.Errorf("Failed to forward reading %s to %s: %s", reading.DataID, topic, err.Error())
	}
}

func (c *Controller) announce(reading *models.SensorReading) {
	if c.messenger == nil {
		return
	}

	if err := c.messenger.PublishOnTopic(newReadingPersisted(reading)); err != nil {
		c.log.Errorf("Failed to publish reading %s on the message bus: %s", reading.DataID, err.Error())
	}
}

//PushDeviceConfig publishes a configuration blob to a device
func (c *Controller) PushDeviceConfig(deviceID string, config json.RawMessage) error {
	if deviceID == "" || strings.ContainsAny(deviceID, "/+#") {
		return fmt.Errorf("%w: device id %q can not be part of a topic", ErrInvalidDeviceConfig, deviceID)
	}

	if !json.Valid(config) {
		return fmt.Errorf("%w: config must be valid json", ErrInvalidDeviceConfig)
	}

	topic := fmt.Sprintf("%s/device/%s/config", c.prefix, deviceID)
	if err := c.publisher.Publish(topic, config); err != nil {
		return fmt.Errorf("failed to push config to device %s: %w", deviceID, err)
	}

	c.log.Infof("Pushed configuration to device %s", deviceID)
	return nil
}

//decodeTelemetry returns the payload fields as sent together with a reading holding the
//known metrics in it. Absent or null metrics are left unset and a non numeric metric
//makes the whole payload malformed. When a metric is sent under more than one name the
//name that comes first in models.WireNames wins.
func decodeTelemetry(payload []byte) (map[string]interface{}, *models.SensorReading, error) {
	fields := map[string]interface{}{}

	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	if err := decoder.Decode(&fields); err != nil {
		return nil, nil, err
	}

	reading := &models.SensorReading{}

	for _, name := range models.WireNames() {
		raw, ok := fields[name]
		if !ok || raw == nil {
			continue
		}

		value, err := numeric(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("field %s: %w", name, err)
		}

		metric, _ := models.ParseWireMetric(name)
		if reading.Value(metric) == nil {
			reading.Set(metric, value)
		}
	}

	return fields, reading, nil
}

func numeric(raw interface{}) (float64, error) {
	switch v := raw.(type) {
	case json.Number:
		return parseValue(v.String())
	case string:
		return parseValue(v)
	}
	return 0, fmt.Errorf("value %v is not a number", raw)
}

func parseValue(s string) (float64, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}

	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("value %s is not a finite number", s)
	}

	return value, nil
}
