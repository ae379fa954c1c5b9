package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/infrastructure/logging"
	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/infrastructure/repositories/models"
	"github.com/iot-for-tillgenglighet/messaging-golang/pkg/messaging"
	"gorm.io/datatypes"
)

//Store is the persistence the sink needs
type Store interface {
	HasRecentNotification(ctx context.Context, dedupKey string, notificationType models.NotificationType, since time.Time) (bool, error)
	CreateNotification(ctx context.Context, notification *models.Notification) error
	GetUsers(ctx context.Context, ids []uint) ([]models.User, error)
	GetAllUsers(ctx context.Context) ([]models.User, error)
}

//EmailDispatcher hands an email off for background delivery
type EmailDispatcher interface {
	Dispatch(to, subject, body string)
}

//MessagingContext is an interface that allows mocking of messaging.Context parameters
type MessagingContext interface {
	PublishOnTopic(message messaging.TopicMessage) error
}

//Candidate describes a notification that should be created unless an equivalent one was created recently
type Candidate struct {
	Title        string
	Content      string
	Type         models.NotificationType
	Priority     models.Priority
	Recipients   []string
	Data         map[string]interface{}
	LocationID   *uint
	SensorDataID string
	CreatedBy    *uint

	//EmailDetails is appended to the email body but not stored with the notification
	EmailDetails string
}

const lockStripes = 32

//Sink creates notifications at most once per dedup key and window and emails every recipient.
//Check and insert are serialized per key within this process; separate processes may still
//race between the two.
type Sink struct {
	store     Store
	emails    EmailDispatcher
	messenger MessagingContext
	log       logging.Logger
	now       func() time.Time

	locks [lockStripes]sync.Mutex
}

//NewSink creates a notification sink. messenger may be nil.
func NewSink(store Store, emails EmailDispatcher, messenger MessagingContext, log logging.Logger) *Sink {
	return &Sink{
		store:     store,
		emails:    emails,
		messenger: messenger,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

//WithClock replaces the time source, mostly useful in tests
func (s *Sink) WithClock(now func() time.Time) *Sink {
	s.now = now
	return s
}

func (s *Sink) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &s.locks[h.Sum32()%lockStripes]
}

//Notify stores the candidate and emails its recipients, unless a notification of the same type
//and dedupKey was created within window. It returns nil without error when suppressed.
func (s *Sink) Notify(ctx context.Context, candidate Candidate, dedupKey string, window time.Duration) (*models.Notification, error) {
	lock := s.lockFor(dedupKey)
	lock.Lock()
	defer lock.Unlock()

	now := s.now()

	exists, err := s.store.HasRecentNotification(ctx, dedupKey, candidate.Type, now.Add(-window))
	if err != nil {
		return nil, err
	}

	if exists {
		s.log.Debugf("Suppressing %s notification for %s, one was sent within the last %s", candidate.Type, dedupKey, window)
		return nil, nil
	}

	return s.create(ctx, candidate, dedupKey)
}

//Send stores the candidate and emails its recipients without looking for earlier notifications
func (s *Sink) Send(ctx context.Context, candidate Candidate) (*models.Notification, error) {
	return s.create(ctx, candidate, "")
}

func (s *Sink) create(ctx context.Context, candidate Candidate, dedupKey string) (*models.Notification, error) {
	notification := &models.Notification{
		Title:        candidate.Title,
		Content:      candidate.Content,
		Type:         candidate.Type,
		Priority:     candidate.Priority,
		DedupKey:     dedupKey,
		LocationID:   candidate.LocationID,
		SensorDataID: candidate.SensorDataID,
		CreatedByID:  candidate.CreatedBy,
		CreatedAt:    s.now(),
	}
	notification.AddRecipients(candidate.Recipients...)

	if candidate.Data != nil {
		data, err := json.Marshal(candidate.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode notification data: %w", err)
		}
		notification.Data = datatypes.JSON(data)
	}

	if err := s.store.CreateNotification(ctx, notification); err != nil {
		return nil, err
	}

	s.log.Infof("Created %s notification %d: %s", notification.Type, notification.ID, notification.Title)

	s.publish(notification)
	s.email(ctx, notification, candidate.EmailDetails)

	return notification, nil
}

func (s *Sink) publish(notification *models.Notification) {
	if s.messenger == nil {
		return
	}

	if err := s.messenger.PublishOnTopic(newNotificationCreated(notification)); err != nil {
		s.log.Errorf("Failed to publish notification %d on the message bus: %s", notification.ID, err.Error())
	}
}

//email is best effort. A failure to resolve recipients is logged and the stored notification stands.
func (s *Sink) email(ctx context.Context, notification *models.Notification, details string) {
	users, err := s.resolveRecipients(ctx, notification.RecipientList())
	if err != nil {
		s.log.Errorf("Failed to resolve recipients of notification %d: %s", notification.ID, err.Error())
		return
	}

	for _, user := range users {
		if user.Email == "" {
			continue
		}
		s.emails.Dispatch(user.Email, notification.Title, emailBody(&user, notification.Content, details))
	}
}

func (s *Sink) resolveRecipients(ctx context.Context, recipients []string) ([]models.User, error) {
	ids := []uint{}

	for _, r := range recipients {
		if r == models.RecipientAll {
			return s.store.GetAllUsers(ctx)
		}

		id, err := strconv.ParseUint(r, 10, 64)
		if err != nil {
			s.log.Warnf("Ignoring malformed notification recipient %q", r)
			continue
		}
		ids = append(ids, uint(id))
	}

	return s.store.GetUsers(ctx, ids)
}

func emailBody(user *models.User, content, details string) string {
	var body strings.Builder

	body.WriteString(fmt.Sprintf("Hello %s,\n\n", user.DisplayName()))
	body.WriteString(content)
	body.WriteString("\n")

	if details != "" {
		body.WriteString("\n")
		body.WriteString(details)
		body.WriteString("\n")
	}

	body.WriteString("\nBest regards,\nSmart Farm IoT")
	return body.String()
}
