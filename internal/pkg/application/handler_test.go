package application

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/application/alerts"
	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/application/ingestion"
	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/application/notifications"
	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/infrastructure/logging"
	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/infrastructure/repositories/database"
	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/infrastructure/repositories/models"
)

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}

func TestThatNotificationsRequireUserHeader(t *testing.T) {
	router := newRouterForTest(&dbMock{}, nil, nil)

	w := serve(router, "GET", "/api/notifications", "", "")

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestThatListNotificationsPassesFilter(t *testing.T) {
	db := &dbMock{}
	router := newRouterForTest(db, nil, nil)

	w := serve(router, "GET", "/api/notifications?type=ALERT&isRead=false&page=3&limit=5", "7", "")

	if w.Code != http.StatusOK {
		t.Fatalf("request failed: %d", w.Code)
	}

	f := db.lastFilter
	if f.Recipient != "7" || f.Type != models.NotificationAlert || f.Read == nil || *f.Read || f.Offset != 10 || f.Limit != 5 {
		t.Errorf("unexpected filter %+v", f)
	}
}

func TestThatInvalidPagingIsRejected(t *testing.T) {
	router := newRouterForTest(&dbMock{}, nil, nil)

	for _, q := range []string{"page=0", "limit=1000", "isRead=maybe", "page=x"} {
		w := serve(router, "GET", "/api/notifications?"+q, "7", "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("query %s: expected 400, got %d", q, w.Code)
		}
	}
}

func TestThatMarkReadOfForeignNotificationIsNotFound(t *testing.T) {
	router := newRouterForTest(&dbMock{}, nil, nil)

	w := serve(router, "PATCH", "/api/notifications/99/read", "7", "")

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestThatMarkAllReadReportsModifiedCount(t *testing.T) {
	db := &dbMock{modified: 3}
	router := newRouterForTest(db, nil, nil)

	w := serve(router, "PATCH", "/api/notifications/read-all", "7", "")

	body := map[string]interface{}{}
	json.Unmarshal(w.Body.Bytes(), &body)

	if w.Code != http.StatusOK || body["modified"] != 3.0 {
		t.Errorf("unexpected response %d: %s", w.Code, w.Body.String())
	}
}

func TestThatOnlyAdminsCanCreateNotifications(t *testing.T) {
	db := &dbMock{users: map[uint]*models.User{7: {Role: "user"}}}
	sender := &senderMock{}
	router := newRouterForTest(db, nil, sender)

	w := serve(router, "POST", "/api/notifications", "7", `{"title":"Maintenance","content":"Tonight","recipients":["all"]}`)

	if w.Code != http.StatusForbidden || sender.count != 0 {
		t.Errorf("expected 403 without sending, got %d and %d sends", w.Code, sender.count)
	}
}

func TestThatAdminCanCreateNotification(t *testing.T) {
	db := &dbMock{users: map[uint]*models.User{1: {Role: "admin"}}}
	db.users[1].ID = 1
	sender := &senderMock{}
	router := newRouterForTest(db, nil, sender)

	w := serve(router, "POST", "/api/notifications", "1", `{"title":"Maintenance","content":"Tonight","recipients":["all"],"priority":"LOW"}`)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	if sender.last.Type != models.NotificationSystem || sender.last.Priority != models.PriorityLow || *sender.last.CreatedBy != 1 {
		t.Errorf("unexpected candidate %+v", sender.last)
	}
}

func TestThatUnknownPriorityIsRejected(t *testing.T) {
	db := &dbMock{users: map[uint]*models.User{1: {Role: "admin"}}}
	router := newRouterForTest(db, nil, &senderMock{})

	w := serve(router, "POST", "/api/notifications", "1", `{"title":"a","content":"b","recipients":["all"],"priority":"URGENT"}`)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestThatDeviceConfigIsPushed(t *testing.T) {
	pusher := &pusherMock{}
	router := newRouterForTest(&dbMock{}, pusher, nil)

	w := serve(router, "POST", "/api/devices/dev-1/config", "", `{"interval": 60}`)

	if w.Code != http.StatusAccepted || pusher.deviceID != "dev-1" {
		t.Errorf("expected config to be pushed to dev-1, got %d and %q", w.Code, pusher.deviceID)
	}

	w = serve(router, "POST", "/api/devices/dev-1/config", "", `not json`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid json should be rejected, got %d", w.Code)
	}
}

func TestThatDevicesAreListedAsNGSIEntities(t *testing.T) {
	db := &dbMock{devices: []models.Device{
		{DeviceID: "dev-1", Status: models.DeviceStatusActive},
		{DeviceID: "dev-2", Status: models.DeviceStatusOffline},
	}}
	router := newRouterForTest(db, nil, nil)

	w := serve(router, "GET", "/ngsi-ld/v1/entities?type=Device", "", "")

	if w.Code != http.StatusOK {
		t.Fatalf("request failed: %d", w.Code)
	}

	entities := []map[string]interface{}{}
	if err := json.Unmarshal(w.Body.Bytes(), &entities); err != nil || len(entities) != 2 {
		t.Fatalf("expected two entities, got %s", w.Body.String())
	}

	if !strings.HasSuffix(fmt.Sprint(entities[0]["id"]), "dev-1") {
		t.Errorf("unexpected entity id %v", entities[0]["id"])
	}

	if entities[0]["type"] != "Device" {
		t.Errorf("unexpected entity type %v", entities[0]["type"])
	}

	w = serve(router, "GET", "/ngsi-ld/v1/entities?type=DeviceModel", "", "")
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("no entities should be returned for other types, got %d: %s", w.Code, w.Body.String())
	}

	w = serve(router, "GET", "/ngsi-ld/v1/entities", "", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("a query without type or attrs should be rejected, got %d", w.Code)
	}
}

func TestThatSingleDeviceCanBeRetrievedAsNGSIEntity(t *testing.T) {
	seen := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	db := &dbMock{devices: []models.Device{
		{DeviceID: "dev-1", Status: models.DeviceStatusActive, LastSeen: seen},
	}}
	router := newRouterForTest(db, nil, nil)

	w := serve(router, "GET", "/ngsi-ld/v1/entities/urn:ngsi-ld:Device:dev-1", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("request failed: %d", w.Code)
	}

	if !strings.Contains(w.Body.String(), `"Active"`) || !strings.Contains(w.Body.String(), "2026-06-01T08:00:00Z") {
		t.Errorf("expected status and last seen in entity, got %s", w.Body.String())
	}

	w = serve(router, "GET", "/ngsi-ld/v1/entities/urn:ngsi-ld:Device:nobody", "", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for an unknown device, got %d", w.Code)
	}
}

func TestThatAdminCanDeleteAnyNotification(t *testing.T) {
	creator := uint(5)
	db := &dbMock{
		users:         map[uint]*models.User{1: {Role: "admin"}},
		notifications: map[uint]*models.Notification{3: {ID: 3, CreatedByID: &creator}},
	}
	router := newRouterForTest(db, nil, nil)

	w := serve(router, "DELETE", "/api/notifications/3", "1", "")

	if w.Code != http.StatusOK || len(db.deleted) != 1 || db.deleted[0] != 3 {
		t.Errorf("expected notification 3 to be deleted, got %d and %v", w.Code, db.deleted)
	}
}

func TestThatCreatorCanDeleteOwnNotification(t *testing.T) {
	creator := uint(5)
	db := &dbMock{
		users:         map[uint]*models.User{5: {Role: "user"}},
		notifications: map[uint]*models.Notification{3: {ID: 3, CreatedByID: &creator}},
	}
	router := newRouterForTest(db, nil, nil)

	w := serve(router, "DELETE", "/api/notifications/3", "5", "")

	if w.Code != http.StatusOK || len(db.deleted) != 1 {
		t.Errorf("the creator should be allowed to delete, got %d", w.Code)
	}
}

func TestThatOtherUsersCanNotDeleteNotification(t *testing.T) {
	creator := uint(5)
	db := &dbMock{
		users:         map[uint]*models.User{7: {Role: "user"}},
		notifications: map[uint]*models.Notification{3: {ID: 3, CreatedByID: &creator}, 4: {ID: 4}},
	}
	router := newRouterForTest(db, nil, nil)

	for _, path := range []string{"/api/notifications/3", "/api/notifications/4"} {
		if w := serve(router, "DELETE", path, "7", ""); w.Code != http.StatusForbidden {
			t.Errorf("%s: expected 403, got %d", path, w.Code)
		}
	}

	if w := serve(router, "DELETE", "/api/notifications/99", "7", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for a missing notification, got %d", w.Code)
	}

	if len(db.deleted) != 0 {
		t.Errorf("nothing should have been deleted, got %v", db.deleted)
	}
}

func TestThatInvalidDeviceIDIsABadRequest(t *testing.T) {
	publisher := &publisherMock{}
	controller := ingestion.NewController("smartfarm", nil, nil, publisher, nil, logging.NewLogger())
	router := newRouterForTest(&dbMock{}, controller, nil)

	w := serve(router, "POST", "/api/devices/dev+1/config", "", `{"interval": 60}`)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a wildcard in the device id, got %d", w.Code)
	}

	if len(publisher.topics) != 0 {
		t.Errorf("nothing should be published, got %v", publisher.topics)
	}
}

func TestThatHighTemperatureEndsUpAsOwnerAlert(t *testing.T) {
	ctx := context.Background()
	log := logging.NewLogger()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())

	db, err := database.NewDatabaseConnection(database.NewSQLiteConnector(dsn), log)
	if err != nil {
		t.Fatalf("failed to create database: %s", err.Error())
	}

	locationID := uint(1)
	err = db.CreateEntities(ctx,
		&models.User{Username: "farmer", Email: "farmer@example.com"},
		&models.User{Username: "neighbour", Email: "neighbour@example.com"},
		&models.Season{Name: "Summer", UserID: 1, StartDate: time.Now().UTC(), EndDate: time.Now().UTC().Add(60 * 24 * time.Hour)},
		&models.Location{Name: "Greenhouse", SeasonID: 1, LocationCode: "GH1"},
		&models.AlertSetting{LocationID: &locationID, TemperatureMin: 10, TemperatureMax: 30, SoilMoistureMin: 30, SoilMoistureMax: 70, LightIntensityMin: 100, LightIntensityMax: 1000},
		&models.Device{DeviceID: "esp32-1", LocationID: &locationID},
	)
	if err != nil {
		t.Fatalf("failed to seed database: %s", err.Error())
	}

	mail := &mailMock{}
	publisher := &publisherMock{}
	sink := notifications.NewSink(db, mail, nil, log)
	evaluator := alerts.NewEvaluator(db, sink, time.Hour, log)
	controller := ingestion.NewController("smartfarm", db, evaluator, publisher, nil, log)

	err = controller.Handle(ctx, ingestion.Message{
		Topic:      "smartfarm/device/esp32-1/data",
		Payload:    []byte(`{"temperature": 45}`),
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Handle failed: %s", err.Error())
	}

	readings, _ := db.GetLatestReadings(ctx, 1, 10)
	if len(readings) != 1 || *readings[0].Temperature != 45 {
		t.Fatalf("expected one stored reading, got %+v", readings)
	}

	router := newRouterForTest(db, nil, nil)

	w := serve(router, "GET", "/api/notifications", "1", "")
	response := struct {
		Total int64                 `json:"total"`
		Data  []models.Notification `json:"data"`
	}{}
	json.Unmarshal(w.Body.Bytes(), &response)

	if response.Total != 1 {
		t.Fatalf("expected one notification for the owner, got %s", w.Body.String())
	}

	n := response.Data[0]
	if n.Type != models.NotificationAlert || n.Priority != models.PriorityHigh || n.SensorDataID != readings[0].DataID {
		t.Errorf("unexpected notification %+v", n)
	}

	if recipients := n.RecipientList(); len(recipients) != 1 || recipients[0] != "1" {
		t.Errorf("alert should only be addressed to the owner, got %v", recipients)
	}

	w = serve(router, "GET", "/api/notifications/unread-count", "2", "")
	if !strings.Contains(w.Body.String(), `"count":0`) {
		t.Errorf("other users should not see the alert: %s", w.Body.String())
	}

	if len(publisher.topics) != 1 || publisher.topics[0] != "smartfarm/location/GH1/data" {
		t.Errorf("expected the reading to be forwarded, got %v", publisher.topics)
	}

	if mail.count != 1 {
		t.Errorf("expected one email, got %d", mail.count)
	}
}

func newRouterForTest(db Store, devices DeviceConfigPusher, sender NotificationSender) *RequestRouter {
	return createRequestRouter(&api{
		db:      db,
		devices: devices,
		sender:  sender,
		log:     logging.NewLogger(),
		now:     func() time.Time { return time.Now().UTC() },
	})
}

func serve(router *RequestRouter, method, path, user, body string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(method, "http://localhost:8880"+path, bytes.NewBufferString(body))
	if user != "" {
		req.Header.Set(UserIDHeader, user)
	}

	w := httptest.NewRecorder()
	router.impl.ServeHTTP(w, req)
	return w
}

type dbMock struct {
	devices       []models.Device
	users         map[uint]*models.User
	notifications map[uint]*models.Notification
	deleted       []uint
	lastFilter    database.NotificationFilter
	modified      int64
}

func (db *dbMock) GetDevices(ctx context.Context) ([]models.Device, error) {
	return db.devices, nil
}

func (db *dbMock) GetDeviceByDeviceID(ctx context.Context, deviceID string) (*models.Device, error) {
	for i := range db.devices {
		if db.devices[i].DeviceID == deviceID {
			return &db.devices[i], nil
		}
	}
	return nil, fmt.Errorf("no device %s: %w", deviceID, database.ErrNotFound)
}

func (db *dbMock) FindNotification(ctx context.Context, id uint) (*models.Notification, error) {
	if n, ok := db.notifications[id]; ok {
		return n, nil
	}
	return nil, fmt.Errorf("no notification %d: %w", id, database.ErrNotFound)
}

func (db *dbMock) DeleteNotification(ctx context.Context, id uint) error {
	db.deleted = append(db.deleted, id)
	return nil
}

func (db *dbMock) GetUser(ctx context.Context, id uint) (*models.User, error) {
	if u, ok := db.users[id]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("no user %d: %w", id, database.ErrNotFound)
}

func (db *dbMock) GetLatestReadings(ctx context.Context, locationID uint, limit int) ([]models.SensorReading, error) {
	return []models.SensorReading{}, nil
}

func (db *dbMock) ListNotifications(ctx context.Context, filter database.NotificationFilter) ([]models.Notification, int64, error) {
	db.lastFilter = filter
	return []models.Notification{}, 0, nil
}

func (db *dbMock) GetNotification(ctx context.Context, id uint, recipient string) (*models.Notification, error) {
	return nil, fmt.Errorf("no notification %d: %w", id, database.ErrNotFound)
}

func (db *dbMock) CountUnreadNotifications(ctx context.Context, recipient string) (int64, error) {
	return 0, nil
}

func (db *dbMock) MarkNotificationRead(ctx context.Context, id uint, recipient string, at time.Time) error {
	return fmt.Errorf("no notification %d: %w", id, database.ErrNotFound)
}

func (db *dbMock) MarkAllNotificationsRead(ctx context.Context, recipient string, at time.Time) (int64, error) {
	return db.modified, nil
}

type senderMock struct {
	count int
	last  notifications.Candidate
}

func (s *senderMock) Send(ctx context.Context, candidate notifications.Candidate) (*models.Notification, error) {
	s.count++
	s.last = candidate
	return &models.Notification{ID: uint(s.count), Title: candidate.Title}, nil
}

type pusherMock struct {
	deviceID string
}

func (p *pusherMock) PushDeviceConfig(deviceID string, config json.RawMessage) error {
	p.deviceID = deviceID
	return nil
}

type publisherMock struct {
	topics []string
}

func (p *publisherMock) Publish(topic string, payload []byte) error {
	return p.PublishAsync(topic, payload)
}

func (p *publisherMock) PublishAsync(topic string, payload []byte) error {
	p.topics = append(p.topics, topic)
	return nil
}

type mailMock struct {
	count int
}

func (m *mailMock) Dispatch(to, subject, body string) {
	m.count++
}
