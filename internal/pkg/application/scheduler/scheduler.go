package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/infrastructure/logging"
	"github.com/robfig/cron/v3"
)

//Scheduler triggers the jobs on their cron schedules
type Scheduler struct {
	cron *cron.Cron
	jobs *Jobs
	log  logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

//New registers the care task, device health and season checks on dailySpec and an
//extra device health check on deviceHealthSpec. Schedules are evaluated in UTC.
func New(jobs *Jobs, dailySpec, deviceHealthSpec string, log logging.Logger) (*Scheduler, error) {
	cronLog := &cronLogger{log: log}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog)),
		),
		jobs:   jobs,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}

	_, err := s.cron.AddFunc(dailySpec, func() {
		s.run("CheckUpcomingCareTasks", jobs.CheckUpcomingCareTasks)
		s.run("CheckDeviceHealth", jobs.CheckDeviceHealth)
		s.run("CheckSeasonEndingSoon", jobs.CheckSeasonEndingSoon)
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("invalid daily schedule %q: %w", dailySpec, err)
	}

	_, err = s.cron.AddFunc(deviceHealthSpec, func() {
		s.run("CheckDeviceHealth", jobs.CheckDeviceHealth)
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("invalid device health schedule %q: %w", deviceHealthSpec, err)
	}

	return s, nil
}

func (s *Scheduler) run(name string, job func(context.Context) error) {
	err := job(s.ctx)

	if errors.Is(err, ErrJobInProgress) {
		s.log.Warnf("Skipping %s, the previous run has not finished yet", name)
		return
	}

	if err != nil {
		s.log.Errorf("%s failed: %s", name, err.Error())
	}
}

//Start begins triggering jobs in the background
func (s *Scheduler) Start() {
	s.log.Infof("Starting scheduler with %d entries", len(s.cron.Entries()))
	s.cron.Start()
}

//Stop prevents further runs, cancels the running ones and waits for them to return
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	s.cancel()
	<-done.Done()
}

type cronLogger struct {
	log logging.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugf("cron: %s %v", msg, keysAndValues)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorf("cron: %s: %s %v", msg, err.Error(), keysAndValues)
}
