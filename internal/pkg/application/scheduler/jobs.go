package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/application/notifications"
	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/infrastructure/logging"
	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/infrastructure/repositories/database"
	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/infrastructure/repositories/models"
)

//Windows and thresholds used by the periodic jobs
const (
	CareTaskLookahead     = 24 * time.Hour
	CareTaskDedupWindow   = 24 * time.Hour
	DeviceStaleAfter      = 4 * time.Hour
	DeviceDedupWindow     = 4 * time.Hour
	LowBatteryLevel       = 20.0
	SeasonEndingLookahead = 14 * 24 * time.Hour
	SeasonDedupWindow     = 3 * 24 * time.Hour
)

//ErrJobInProgress is returned when a job is triggered while its previous run is still going
var ErrJobInProgress = errors.New("job is already running")

//Store is what the jobs read
type Store interface {
	GetUpcomingCareTasks(ctx context.Context, from, to time.Time) ([]models.CareTask, error)
	GetPlantByCarePlan(ctx context.Context, carePlanID uint) (*models.Plant, error)
	GetDevicesNeedingAttention(ctx context.Context, staleBefore time.Time, batteryThreshold float64) ([]models.Device, error)
	GetSeasonsEndingBetween(ctx context.Context, from, to time.Time) ([]models.Season, error)
	GetLocation(ctx context.Context, id uint) (*models.Location, error)
	GetSeason(ctx context.Context, id uint) (*models.Season, error)
	GetUser(ctx context.Context, id uint) (*models.User, error)
}

//Notifier creates deduplicated notifications
type Notifier interface {
	Notify(ctx context.Context, candidate notifications.Candidate, dedupKey string, window time.Duration) (*models.Notification, error)
}

type guard struct {
	busy int32
}

func (g *guard) acquire() bool {
	return atomic.CompareAndSwapInt32(&g.busy, 0, 1)
}

func (g *guard) release() {
	atomic.StoreInt32(&g.busy, 0)
}

//Jobs holds the periodic checks. A job that is triggered while it is still running
//returns ErrJobInProgress instead of running twice.
type Jobs struct {
	store Store
	sink  Notifier
	log   logging.Logger
	now   func() time.Time

	careTasks    guard
	deviceHealth guard
	seasons      guard
}

//NewJobs creates the periodic jobs
func NewJobs(store Store, sink Notifier, log logging.Logger) *Jobs {
	return &Jobs{
		store: store,
		sink:  sink,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

//WithClock replaces the time source
func (j *Jobs) WithClock(now func() time.Time) *Jobs {
	j.now = now
	return j
}

//result tallies a single run so that failures of single items do not abort the run
type result struct {
	job      string
	total    int
	created  int
	skipped  int
	failed   int
	firstErr error
}

func (r *result) fail(err error) {
	r.failed++
	if r.firstErr == nil {
		r.firstErr = err
	}
}

func (r *result) err() error {
	if r.firstErr == nil {
		return nil
	}
	return fmt.Errorf("%s: %d of %d items failed: %w", r.job, r.failed, r.total, r.firstErr)
}

func (j *Jobs) finish(r *result) error {
	j.log.Infof("%s done: %d candidates, %d notified, %d skipped, %d failed", r.job, r.total, r.created, r.skipped, r.failed)
	return r.err()
}

//handle records the outcome of a single notify. Referential gaps are skipped.
func (j *Jobs) handle(r *result, what string, n *models.Notification, err error) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		j.log.Debugf("%s: skipping %s: %s", r.job, what, err.Error())
		r.skipped++
	case err != nil:
		j.log.Errorf("%s: failed to notify about %s: %s", r.job, what, err.Error())
		r.fail(err)
	case n != nil:
		r.created++
	}
}

//CheckUpcomingCareTasks reminds plant owners of care tasks scheduled within the next 24 hours
func (j *Jobs) CheckUpcomingCareTasks(ctx context.Context) error {
	if !j.careTasks.acquire() {
		return ErrJobInProgress
	}
	defer j.careTasks.release()

	now := j.now()
	r := &result{job: "CheckUpcomingCareTasks"}

	tasks, err := j.store.GetUpcomingCareTasks(ctx, now, now.Add(CareTaskLookahead))
	if err != nil {
		return err
	}
	r.total = len(tasks)

	for i := range tasks {
		task := &tasks[i]
		n, err := j.notifyCareTask(ctx, task)
		j.handle(r, fmt.Sprintf("care task %d", task.ID), n, err)
	}

	return j.finish(r)
}

func (j *Jobs) notifyCareTask(ctx context.Context, task *models.CareTask) (*models.Notification, error) {
	plant, err := j.store.GetPlantByCarePlan(ctx, task.CarePlanID)
	if err != nil {
		return nil, err
	}

	if plant.LocationID == nil {
		return nil, fmt.Errorf("plant %d has no location: %w", plant.ID, database.ErrNotFound)
	}

	location, err := j.store.GetLocation(ctx, *plant.LocationID)
	if err != nil {
		return nil, err
	}

	seasonID := location.SeasonID
	if plant.SeasonID != nil {
		seasonID = *plant.SeasonID
	}

	user, err := j.seasonOwner(ctx, seasonID)
	if err != nil {
		return nil, err
	}

	at := task.ScheduledDate.UTC().Format("15:04")
	content := fmt.Sprintf("You have a \"%s\" task scheduled at %s UTC for plant \"%s\" at location \"%s\".", task.Type, at, plant.Name, location.Name)

	details := task.Note
	if details == "" {
		details = "No further details."
	}

	return j.sink.Notify(ctx, notifications.Candidate{
		Title:      "Plant care task: " + task.Name,
		Content:    content,
		Type:       models.NotificationCarePlan,
		Priority:   models.PriorityMedium,
		Recipients: []string{models.RecipientForUser(user.ID)},
		Data: map[string]interface{}{
			"taskId":     task.ID,
			"plantId":    plant.ID,
			"locationId": location.ID,
		},
		LocationID:   &location.ID,
		CreatedBy:    &user.ID,
		EmailDetails: "Task details: " + details,
	}, fmt.Sprintf("task:%d", task.ID), CareTaskDedupWindow)
}

//CheckDeviceHealth warns owners about devices that have gone quiet or run low on battery.
//Stored device statuses are left untouched.
func (j *Jobs) CheckDeviceHealth(ctx context.Context) error {
	if !j.deviceHealth.acquire() {
		return ErrJobInProgress
	}
	defer j.deviceHealth.release()

	now := j.now()
	staleBefore := now.Add(-DeviceStaleAfter)
	r := &result{job: "CheckDeviceHealth"}

	devices, err := j.store.GetDevicesNeedingAttention(ctx, staleBefore, LowBatteryLevel)
	if err != nil {
		return err
	}
	r.total = len(devices)

	for i := range devices {
		device := &devices[i]
		n, err := j.notifyDevice(ctx, device, staleBefore)
		j.handle(r, "device "+device.DeviceID, n, err)
	}

	return j.finish(r)
}

func (j *Jobs) notifyDevice(ctx context.Context, device *models.Device, staleBefore time.Time) (*models.Notification, error) {
	if device.LocationID == nil {
		return nil, fmt.Errorf("device %s has no location: %w", device.DeviceID, database.ErrNotFound)
	}

	location, err := j.store.GetLocation(ctx, *device.LocationID)
	if err != nil {
		return nil, err
	}

	user, err := j.seasonOwner(ctx, location.SeasonID)
	if err != nil {
		return nil, err
	}

	title, content := deviceHealthMessage(device, location, staleBefore)

	data := map[string]interface{}{
		"deviceId":   device.DeviceID,
		"locationId": location.ID,
		"status":     string(device.Status),
	}
	if device.BatteryLevel != nil {
		data["battery_level"] = *device.BatteryLevel
	}

	return j.sink.Notify(ctx, notifications.Candidate{
		Title:      title,
		Content:    content,
		Type:       models.NotificationDeviceAlert,
		Priority:   models.PriorityHigh,
		Recipients: []string{models.RecipientForUser(user.ID)},
		Data:       data,
		LocationID: &location.ID,
		CreatedBy:  &user.ID,
	}, "device:"+device.DeviceID, DeviceDedupWindow)
}

func deviceHealthMessage(device *models.Device, location *models.Location, staleBefore time.Time) (string, string) {
	offline := device.Status != models.DeviceStatusActive && device.LastSeen.Before(staleBefore)
	lowBattery := device.BatteryLevel != nil && *device.BatteryLevel <= LowBatteryLevel
	name := device.DisplayName()

	switch {
	case offline && lowBattery:
		return fmt.Sprintf("Device %s is offline with a low battery", name),
			fmt.Sprintf("Device \"%s\" at location \"%s\" is offline and its battery is low (%.0f%%). Please check the device.", name, location.Name, *device.BatteryLevel)
	case offline:
		return fmt.Sprintf("Device %s is offline", name),
			fmt.Sprintf("Device \"%s\" at location \"%s\" has not reported since %s. Please check its connection.", name, location.Name, device.LastSeen.UTC().Format(time.RFC3339))
	}

	battery := 0.0
	if device.BatteryLevel != nil {
		battery = *device.BatteryLevel
	}

	return fmt.Sprintf("Low battery on device %s", name),
		fmt.Sprintf("Device \"%s\" at location \"%s\" has a low battery (%.0f%%). Please charge or replace the battery.", name, location.Name, battery)
}

//CheckSeasonEndingSoon reminds owners of seasons that end within two weeks
func (j *Jobs) CheckSeasonEndingSoon(ctx context.Context) error {
	if !j.seasons.acquire() {
		return ErrJobInProgress
	}
	defer j.seasons.release()

	now := j.now()
	r := &result{job: "CheckSeasonEndingSoon"}

	seasons, err := j.store.GetSeasonsEndingBetween(ctx, now, now.Add(SeasonEndingLookahead))
	if err != nil {
		return err
	}
	r.total = len(seasons)

	for i := range seasons {
		season := &seasons[i]
		n, err := j.notifySeason(ctx, season, now)
		j.handle(r, fmt.Sprintf("season %d", season.ID), n, err)
	}

	return j.finish(r)
}

//DaysRemaining rounds the time left until end up to whole days
func DaysRemaining(now, end time.Time) int {
	return int(math.Ceil(end.Sub(now).Hours() / 24))
}

func (j *Jobs) notifySeason(ctx context.Context, season *models.Season, now time.Time) (*models.Notification, error) {
	user, err := j.store.GetUser(ctx, season.UserID)
	if err != nil {
		return nil, err
	}

	days := DaysRemaining(now, season.EndDate)

	return j.sink.Notify(ctx, notifications.Candidate{
		Title:      fmt.Sprintf("Season \"%s\" is ending soon", season.Name),
		Content:    fmt.Sprintf("Your season \"%s\" ends in %d days. Please review it and prepare to archive the season data.", season.Name, days),
		Type:       models.NotificationSeasonEnding,
		Priority:   models.PriorityMedium,
		Recipients: []string{models.RecipientForUser(user.ID)},
		Data: map[string]interface{}{
			"seasonId": season.ID,
			"daysLeft": days,
		},
		CreatedBy: &user.ID,
		EmailDetails: fmt.Sprintf("The season ends on %s. Please prepare the following:\n"+
			"- Total harvest yield\n- Product quality\n- Costs and revenue\n- Lessons learned",
			season.EndDate.UTC().Format("2006-01-02")),
	}, fmt.Sprintf("season:%d", season.ID), SeasonDedupWindow)
}

func (j *Jobs) seasonOwner(ctx context.Context, seasonID uint) (*models.User, error) {
	season, err := j.store.GetSeason(ctx, seasonID)
	if err != nil {
		return nil, err
	}

	return j.store.GetUser(ctx, season.UserID)
}
