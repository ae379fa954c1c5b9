package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/infrastructure/logging"
	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/infrastructure/repositories/models"
	"github.com/iot-for-tillgenglighet/messaging-golang/pkg/messaging"
)

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}

func TestThatRepeatedNotifyWithinWindowCreatesOneNotification(t *testing.T) {
	store := newStoreMock(models.User{Email: "farmer@example.com"})
	mail := &mailMock{}
	clock := newClock()
	sink := NewSink(store, mail, nil, logging.NewLogger()).WithClock(clock.now)

	first, err := sink.Notify(context.Background(), alertCandidate(), "location:1:temperature", time.Hour)
	if err != nil || first == nil {
		t.Fatalf("first notify should create a notification, got %v, %v", first, err)
	}

	clock.advance(30 * time.Minute)

	second, err := sink.Notify(context.Background(), alertCandidate(), "location:1:temperature", time.Hour)
	if err != nil || second != nil {
		t.Errorf("second notify should be suppressed, got %v, %v", second, err)
	}

	if len(store.created) != 1 {
		t.Errorf("expected 1 stored notification, got %d", len(store.created))
	}

	if mail.count != 1 {
		t.Errorf("expected 1 email, got %d", mail.count)
	}
}

func TestThatNotifyAfterWindowCreatesAnotherNotification(t *testing.T) {
	store := newStoreMock(models.User{Email: "farmer@example.com"})
	clock := newClock()
	sink := NewSink(store, &mailMock{}, nil, logging.NewLogger()).WithClock(clock.now)

	sink.Notify(context.Background(), alertCandidate(), "location:1:temperature", time.Hour)
	clock.advance(61 * time.Minute)
	sink.Notify(context.Background(), alertCandidate(), "location:1:temperature", time.Hour)

	if len(store.created) != 2 {
		t.Errorf("expected 2 stored notifications, got %d", len(store.created))
	}
}

func TestThatDifferentKeysAreNotDeduplicated(t *testing.T) {
	store := newStoreMock(models.User{Email: "farmer@example.com"})
	sink := NewSink(store, &mailMock{}, nil, logging.NewLogger())

	sink.Notify(context.Background(), alertCandidate(), "location:1:temperature", time.Hour)
	sink.Notify(context.Background(), alertCandidate(), "location:1:soil_moisture", time.Hour)

	if len(store.created) != 2 {
		t.Errorf("expected 2 stored notifications, got %d", len(store.created))
	}
}

func TestThatStoreFailureIsPropagatedAndNoEmailIsSent(t *testing.T) {
	store := newStoreMock(models.User{Email: "farmer@example.com"})
	store.createErr = errors.New("database unavailable")
	mail := &mailMock{}
	sink := NewSink(store, mail, nil, logging.NewLogger())

	_, err := sink.Notify(context.Background(), alertCandidate(), "location:1:temperature", time.Hour)
	if err == nil {
		t.Error("the store error should be returned")
	}

	if mail.count != 0 {
		t.Error("no email should be sent for a notification that was not stored")
	}
}

func TestThatAllRecipientFansOutToEveryUser(t *testing.T) {
	store := newStoreMock(
		models.User{Email: "a@example.com"},
		models.User{Email: "b@example.com"},
		models.User{},
	)
	mail := &mailMock{}
	sink := NewSink(store, mail, nil, logging.NewLogger())

	candidate := alertCandidate()
	candidate.Recipients = []string{models.RecipientAll}

	sink.Notify(context.Background(), candidate, "system:maintenance", time.Hour)

	if mail.count != 2 {
		t.Errorf("expected an email to each user with an address, got %d", mail.count)
	}
}

func TestThatDataPayloadAndMessageAreStoredAndPublished(t *testing.T) {
	store := newStoreMock(models.User{Username: "farmer", Email: "farmer@example.com"})
	mail := &mailMock{}
	bus := &msgMock{}
	sink := NewSink(store, mail, bus, logging.NewLogger())

	candidate := alertCandidate()
	candidate.EmailDetails = "Check the irrigation."

	n, _ := sink.Notify(context.Background(), candidate, "location:1:temperature", time.Hour)

	data := map[string]interface{}{}
	if err := json.Unmarshal(n.Data, &data); err != nil || data["metric"] != "temperature" {
		t.Errorf("data payload was not stored: %s", string(n.Data))
	}

	if bus.PublishCount != 1 {
		t.Errorf("expected one published message, got %d", bus.PublishCount)
	}

	if !strings.HasPrefix(mail.lastBody, "Hello farmer,") || !strings.Contains(mail.lastBody, "Check the irrigation.") {
		t.Errorf("unexpected email body: %q", mail.lastBody)
	}

	if strings.Contains(n.Content, "Check the irrigation.") {
		t.Error("email details must not be stored with the notification")
	}
}

func TestThatSendIsNeverSuppressed(t *testing.T) {
	store := newStoreMock(models.User{Email: "farmer@example.com"})
	sink := NewSink(store, &mailMock{}, nil, logging.NewLogger())

	candidate := alertCandidate()
	candidate.Type = models.NotificationSystem

	sink.Send(context.Background(), candidate)
	sink.Send(context.Background(), candidate)

	if len(store.created) != 2 {
		t.Errorf("expected 2 stored notifications, got %d", len(store.created))
	}
}

func alertCandidate() Candidate {
	locationID := uint(1)
	return Candidate{
		Title:      "Temperature too high",
		Content:    "Temperature is 45",
		Type:       models.NotificationAlert,
		Priority:   models.PriorityHigh,
		Recipients: []string{"1"},
		LocationID: &locationID,
		Data:       map[string]interface{}{"metric": "temperature", "value": 45},
	}
}

type clockMock struct {
	current time.Time
}

func newClock() *clockMock {
	return &clockMock{current: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clockMock) now() time.Time {
	return c.current
}

func (c *clockMock) advance(d time.Duration) {
	c.current = c.current.Add(d)
}

type storeMock struct {
	users     []models.User
	created   []*models.Notification
	createErr error
}

func newStoreMock(users ...models.User) *storeMock {
	for i := range users {
		users[i].ID = uint(i + 1)
	}
	return &storeMock{users: users}
}

func (s *storeMock) HasRecentNotification(ctx context.Context, dedupKey string, notificationType models.NotificationType, since time.Time) (bool, error) {
	for _, n := range s.created {
		if n.DedupKey == dedupKey && n.Type == notificationType && !n.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (s *storeMock) CreateNotification(ctx context.Context, notification *models.Notification) error {
	if s.createErr != nil {
		return s.createErr
	}
	notification.ID = uint(len(s.created) + 1)
	s.created = append(s.created, notification)
	return nil
}

func (s *storeMock) GetUsers(ctx context.Context, ids []uint) ([]models.User, error) {
	found := []models.User{}
	for _, id := range ids {
		for _, u := range s.users {
			if u.ID == id {
				found = append(found, u)
			}
		}
	}
	return found, nil
}

func (s *storeMock) GetAllUsers(ctx context.Context) ([]models.User, error) {
	return s.users, nil
}

type mailMock struct {
	count    int
	lastBody string
}

func (m *mailMock) Dispatch(to, subject, body string) {
	m.count++
	m.lastBody = body
}

type msgMock struct {
	PublishCount uint32
}

func (m *msgMock) PublishOnTopic(message messaging.TopicMessage) error {
	m.PublishCount++
	return nil
}
