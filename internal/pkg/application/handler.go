package application

import (
	"compress/flate"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/application/ingestion"
	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/application/notifications"
	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/infrastructure/logging"
	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/infrastructure/repositories/database"
	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/infrastructure/repositories/models"

	"github.com/rs/cors"

	"github.com/iot-for-tillgenglighet/ngsi-ld-golang/pkg/datamodels/fiware"
	ngsi "github.com/iot-for-tillgenglighet/ngsi-ld-golang/pkg/ngsi-ld"
	ngsitypes "github.com/iot-for-tillgenglighet/ngsi-ld-golang/pkg/ngsi-ld/types"
)

//Store is the subset of the datastore that the API reads and writes
type Store interface {
	GetDevices(ctx context.Context) ([]models.Device, error)
	GetDeviceByDeviceID(ctx context.Context, deviceID string) (*models.Device, error)
	GetUser(ctx context.Context, id uint) (*models.User, error)
	GetLatestReadings(ctx context.Context, locationID uint, limit int) ([]models.SensorReading, error)
	ListNotifications(ctx context.Context, filter database.NotificationFilter) ([]models.Notification, int64, error)
	GetNotification(ctx context.Context, id uint, recipient string) (*models.Notification, error)
	FindNotification(ctx context.Context, id uint) (*models.Notification, error)
	DeleteNotification(ctx context.Context, id uint) error
	CountUnreadNotifications(ctx context.Context, recipient string) (int64, error)
	MarkNotificationRead(ctx context.Context, id uint, recipient string, at time.Time) error
	MarkAllNotificationsRead(ctx context.Context, recipient string, at time.Time) (int64, error)
}

//DeviceConfigPusher publishes configuration blobs to devices
type DeviceConfigPusher interface {
	PushDeviceConfig(deviceID string, config json.RawMessage) error
}

//NotificationSender stores and emails notifications created through the API
type NotificationSender interface {
	Send(ctx context.Context, candidate notifications.Candidate) (*models.Notification, error)
}

//ConnectionChecker reports whether the broker connection is up
type ConnectionChecker interface {
	IsConnected() bool
}

//UserIDHeader carries the id of the calling user
const UserIDHeader = "X-User-ID"

const (
	defaultPageSize    = 10
	maxPageSize        = 100
	defaultReadingSize = 20
	maxReadingSize     = 500
)

//RequestRouter wraps the concrete router implementation
type RequestRouter struct {
	impl *chi.Mux
}

//Get accepts a pattern that should be routed to the handlerFn on a GET request
func (router *RequestRouter) Get(pattern string, handlerFn http.HandlerFunc) {
	router.impl.Get(pattern, handlerFn)
}

//Patch accepts a pattern that should be routed to the handlerFn on a PATCH request
func (router *RequestRouter) Patch(pattern string, handlerFn http.HandlerFunc) {
	router.impl.Patch(pattern, handlerFn)
}

//Post accepts a pattern that should be routed to the handlerFn on a POST request
func (router *RequestRouter) Post(pattern string, handlerFn http.HandlerFunc) {
	router.impl.Post(pattern, handlerFn)
}

//Delete accepts a pattern that should be routed to the handlerFn on a DELETE request
func (router *RequestRouter) Delete(pattern string, handlerFn http.HandlerFunc) {
	router.impl.Delete(pattern, handlerFn)
}

func (router *RequestRouter) addNGSIHandlers(contextRegistry ngsi.ContextRegistry) {
	router.Get("/ngsi-ld/v1/entities", ngsi.NewQueryEntitiesHandler(contextRegistry))
	router.Get("/ngsi-ld/v1/entities/{entity}", ngsi.NewRetrieveEntityHandler(contextRegistry))
}

func newRequestRouter() *RequestRouter {
	router := &RequestRouter{impl: chi.NewRouter()}

	router.impl.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowedHeaders:   []string{"Content-Type", UserIDHeader},
		AllowCredentials: true,
		Debug:            false,
	}).Handler)

	// Enable gzip compression for json and ngsi-ld responses
	compressor := middleware.NewCompressor(flate.DefaultCompression, "application/json", "application/ld+json")
	router.impl.Use(compressor.Handler)
	router.impl.Use(middleware.Logger)

	return router
}

type api struct {
	db      Store
	devices DeviceConfigPusher
	sender  NotificationSender
	broker  ConnectionChecker
	log     logging.Logger
	now     func() time.Time
}

func createRequestRouter(a *api) *RequestRouter {
	router := newRequestRouter()

	router.Get("/health", a.health)

	router.Get("/api/notifications", a.withUser(a.listNotifications))
	router.Post("/api/notifications", a.withUser(a.createNotification))
	router.Get("/api/notifications/unread-count", a.withUser(a.unreadCount))
	router.Patch("/api/notifications/read-all", a.withUser(a.markAllRead))
	router.Patch("/api/notifications/{id}/read", a.withUser(a.markRead))
	router.Delete("/api/notifications/{id}", a.withUser(a.deleteNotification))

	router.Get("/api/locations/{locationID}/readings", a.latestReadings)
	router.Post("/api/devices/{deviceID}/config", a.pushDeviceConfig)

	router.addNGSIHandlers(createContextRegistry(a.db, a.log))

	return router
}

//CreateRouterAndStartServing sets up the router and starts serving incoming requests in the background.
//The returned server should be shut down by the caller.
func CreateRouterAndStartServing(port string, log logging.Logger, db Store, devices DeviceConfigPusher, sender NotificationSender, broker ConnectionChecker) *http.Server {
	a := &api{
		db:      db,
		devices: devices,
		sender:  sender,
		broker:  broker,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}

	router := createRequestRouter(a)

	server := &http.Server{
		Addr:              ":" + port,
		Handler:           router.impl,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof("Starting iot-smartfarm on port %s.", port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %s", err.Error())
		}
	}()

	return server
}

type userKey struct{}

//withUser rejects requests that do not identify the calling user
func (a *api) withUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseUint(r.Header.Get(UserIDHeader), 10, 64)
		if err != nil || id == 0 {
			writeError(w, http.StatusUnauthorized, "missing or malformed "+UserIDHeader+" header")
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), userKey{}, uint(id))))
	}
}

func userFrom(r *http.Request) uint {
	id, _ := r.Context().Value(userKey{}).(uint)
	return id
}

func recipientFrom(r *http.Request) string {
	return models.RecipientForUser(userFrom(r))
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	broker := "disconnected"
	if a.broker != nil && a.broker.IsConnected() {
		broker = "connected"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "mqtt": broker})
}

func (a *api) listNotifications(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	page, err := intParam(query.Get("page"), 1, 1, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "page: "+err.Error())
		return
	}

	limit, err := intParam(query.Get("limit"), defaultPageSize, 1, maxPageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit: "+err.Error())
		return
	}

	filter := database.NotificationFilter{
		Recipient: recipientFrom(r),
		Type:      models.NotificationType(query.Get("type")),
		Offset:    (page - 1) * limit,
		Limit:     limit,
	}

	if isRead := query.Get("isRead"); isRead != "" {
		read, err := strconv.ParseBool(isRead)
		if err != nil {
			writeError(w, http.StatusBadRequest, "isRead must be true or false")
			return
		}
		filter.Read = &read
	}

	list, total, err := a.db.ListNotifications(r.Context(), filter)
	if err != nil {
		a.internalError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"count":   len(list),
		"total":   total,
		"data":    list,
	})
}

type createNotificationRequest struct {
	Title      string                  `json:"title"`
	Content    string                  `json:"content"`
	Type       models.NotificationType `json:"type"`
	Priority   models.Priority         `json:"priority"`
	Recipients []string                `json:"recipients"`
	Data       map[string]interface{}  `json:"data"`
	LocationID *uint                   `json:"locationId"`
}

var knownTypes = map[models.NotificationType]bool{
	models.NotificationSystem:       true,
	models.NotificationAlert:        true,
	models.NotificationInfo:         true,
	models.NotificationCarePlan:     true,
	models.NotificationDeviceAlert:  true,
	models.NotificationSeasonEnding: true,
	models.NotificationHarvestAlert: true,
}

var knownPriorities = map[models.Priority]bool{
	models.PriorityHigh:   true,
	models.PriorityMedium: true,
	models.PriorityLow:    true,
}

func (a *api) createNotification(w http.ResponseWriter, r *http.Request) {
	user, err := a.db.GetUser(r.Context(), userFrom(r))
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		a.internalError(w, err)
		return
	}

	if user == nil || user.Role != "admin" {
		writeError(w, http.StatusForbidden, "only administrators may create notifications")
		return
	}

	body := createNotificationRequest{}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if body.Type == "" {
		body.Type = models.NotificationSystem
	}

	if body.Priority == "" {
		body.Priority = models.PriorityMedium
	}

	switch {
	case body.Title == "" || body.Content == "":
		writeError(w, http.StatusBadRequest, "title and content are required")
		return
	case !knownTypes[body.Type]:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown notification type %q", body.Type))
		return
	case !knownPriorities[body.Priority]:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown priority %q", body.Priority))
		return
	case len(body.Recipients) == 0:
		writeError(w, http.StatusBadRequest, "at least one recipient is required")
		return
	}

	notification, err := a.sender.Send(r.Context(), notifications.Candidate{
		Title:      body.Title,
		Content:    body.Content,
		Type:       body.Type,
		Priority:   body.Priority,
		Recipients: body.Recipients,
		Data:       body.Data,
		LocationID: body.LocationID,
		CreatedBy:  &user.ID,
	})
	if err != nil {
		a.internalError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{"success": true, "data": notification})
}

func (a *api) unreadCount(w http.ResponseWriter, r *http.Request) {
	count, err := a.db.CountUnreadNotifications(r.Context(), recipientFrom(r))
	if err != nil {
		a.internalError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "count": count})
}

func (a *api) markRead(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed notification id")
		return
	}

	recipient := recipientFrom(r)

	err = a.db.MarkNotificationRead(r.Context(), uint(id), recipient, a.now())
	if err == nil {
		var notification *models.Notification
		notification, err = a.db.GetNotification(r.Context(), uint(id), recipient)
		if err == nil {
			writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "data": notification})
			return
		}
	}

	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "notification not found")
		return
	}

	a.internalError(w, err)
}

func (a *api) markAllRead(w http.ResponseWriter, r *http.Request) {
	modified, err := a.db.MarkAllNotificationsRead(r.Context(), recipientFrom(r), a.now())
	if err != nil {
		a.internalError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"modified": modified,
		"message":  fmt.Sprintf("Marked %d notifications as read", modified),
	})
}

//deleteNotification removes a notification. Only administrators and the creator may do so.
func (a *api) deleteNotification(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed notification id")
		return
	}

	notification, err := a.db.FindNotification(r.Context(), uint(id))
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "notification not found")
		return
	}

	if err != nil {
		a.internalError(w, err)
		return
	}

	callerID := userFrom(r)

	user, err := a.db.GetUser(r.Context(), callerID)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		a.internalError(w, err)
		return
	}

	isCreator := notification.CreatedByID != nil && *notification.CreatedByID == callerID
	if user == nil || (user.Role != "admin" && !isCreator) {
		writeError(w, http.StatusForbidden, "not allowed to delete this notification")
		return
	}

	if err := a.db.DeleteNotification(r.Context(), notification.ID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "notification not found")
			return
		}
		a.internalError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "Notification deleted"})
}

func (a *api) latestReadings(w http.ResponseWriter, r *http.Request) {
	locationID, err := strconv.ParseUint(chi.URLParam(r, "locationID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed location id")
		return
	}

	limit, err := intParam(r.URL.Query().Get("limit"), defaultReadingSize, 1, maxReadingSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit: "+err.Error())
		return
	}

	readings, err := a.db.GetLatestReadings(r.Context(), uint(locationID), limit)
	if err != nil {
		a.internalError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "count": len(readings), "data": readings})
}

func (a *api) pushDeviceConfig(w http.ResponseWriter, r *http.Request) {
	config, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil || !json.Valid(config) {
		writeError(w, http.StatusBadRequest, "device config must be valid json")
		return
	}

	err = a.devices.PushDeviceConfig(chi.URLParam(r, "deviceID"), config)
	if errors.Is(err, ingestion.ErrInvalidDeviceConfig) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err != nil {
		a.log.Errorf("Failed to push device config: %s", err.Error())
		writeError(w, http.StatusBadGateway, "failed to push config to device")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{"success": true})
}

func createContextRegistry(db Store, log logging.Logger) ngsi.ContextRegistry {
	contextRegistry := ngsi.NewContextRegistry()
	contextRegistry.Register(&contextSource{db: db, log: log})
	return contextRegistry
}

//contextSource exposes the registered devices as read only NGSI-LD Device entities
type contextSource struct {
	db  Store
	log logging.Logger
}

var errReadOnlyEntities = errors.New("devices can not be modified through the ngsi-ld api")

func (cs *contextSource) ProvidesAttribute(attributeName string) bool {
	return attributeName == "value" || attributeName == "dateLastValueReported"
}

func (cs *contextSource) ProvidesEntitiesWithMatchingID(entityID string) bool {
	return strings.HasPrefix(entityID, fiware.DeviceIDPrefix)
}

func (cs *contextSource) ProvidesType(typeName string) bool {
	return typeName == "Device"
}

func (cs *contextSource) CreateEntity(typeName, entityID string, req ngsi.Request) error {
	return errReadOnlyEntities
}

func (cs *contextSource) UpdateEntityAttributes(entityID string, req ngsi.Request) error {
	return errReadOnlyEntities
}

func (cs *contextSource) GetEntities(query ngsi.Query, callback ngsi.QueryEntitiesCallback) error {
	if query == nil {
		return errors.New("GetEntities: query may not be nil")
	}

	for _, typeName := range query.EntityTypes() {
		if !cs.ProvidesType(typeName) {
			continue
		}

		devices, err := cs.db.GetDevices(requestContext(query.Request()))
		if err != nil {
			return fmt.Errorf("unable to get devices: %w", err)
		}

		for i := range devices {
			if err := callback(newDeviceEntity(&devices[i])); err != nil {
				return err
			}
		}
	}

	return nil
}

func (cs *contextSource) RetrieveEntity(entityID string, req ngsi.Request) (ngsi.Entity, error) {
	deviceID := strings.TrimPrefix(entityID, fiware.DeviceIDPrefix)

	device, err := cs.db.GetDeviceByDeviceID(requestContext(req.Request()), deviceID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		cs.log.Errorf("Failed to retrieve device %s: %s", deviceID, err.Error())
		return nil, err
	}

	return newDeviceEntity(device), nil
}

func newDeviceEntity(device *models.Device) *fiware.Device {
	entity := fiware.NewDevice(device.DeviceID, string(device.Status))
	if !device.LastSeen.IsZero() {
		entity.DateLastValueReported = ngsitypes.CreateDateTimeProperty(device.LastSeen.UTC().Format(time.RFC3339))
	}
	return entity
}

func requestContext(r *http.Request) context.Context {
	if r == nil {
		return context.Background()
	}
	return r.Context()
}

func (a *api) internalError(w http.ResponseWriter, err error) {
	a.log.Errorf("Request failed: %s", err.Error())
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{"success": false, "message": message})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	bytes, err := json.Marshal(body)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(bytes)
}

//intParam parses an optional integer query parameter. A max of 0 means unbounded.
func intParam(value string, fallback, min, max int) (int, error) {
	if value == "" {
		return fallback, nil
	}

	i, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.New("must be an integer")
	}

	if i < min {
		return 0, fmt.Errorf("must be at least %d", min)
	}

	if max > 0 && i > max {
		return 0, fmt.Errorf("may not be larger than %d", max)
	}

	return i, nil
}
