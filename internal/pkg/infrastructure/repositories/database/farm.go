package database

import (
	"context"
	"fmt"
	"time"

	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/infrastructure/repositories/models"
)

func (db *myDB) GetUser(ctx context.Context, id uint) (*models.User, error) {
	user := &models.User{}
	if err := first(db.impl.WithContext(ctx).Where("id = ?", id), user, fmt.Sprintf("user %d", id)); err != nil {
		return nil, err
	}
	return user, nil
}

func (db *myDB) GetUsers(ctx context.Context, ids []uint) ([]models.User, error) {
	users := []models.User{}
	if len(ids) == 0 {
		return users, nil
	}

	result := db.impl.WithContext(ctx).Where("id IN ?", ids).Order("id").Find(&users)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load users: %w", result.Error)
	}
	return users, nil
}

func (db *myDB) GetAllUsers(ctx context.Context) ([]models.User, error) {
	users := []models.User{}
	result := db.impl.WithContext(ctx).Order("id").Find(&users)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load users: %w", result.Error)
	}
	return users, nil
}

func (db *myDB) GetSeason(ctx context.Context, id uint) (*models.Season, error) {
	season := &models.Season{}
	if err := first(db.impl.WithContext(ctx).Where("id = ?", id), season, fmt.Sprintf("season %d", id)); err != nil {
		return nil, err
	}
	return season, nil
}

//GetSeasonsEndingBetween returns running, non archived seasons with an end date in [from, to)
func (db *myDB) GetSeasonsEndingBetween(ctx context.Context, from, to time.Time) ([]models.Season, error) {
	seasons := []models.Season{}

	result := db.impl.WithContext(ctx).
		Where("end_date >= ? AND end_date < ?", from, to).
		Where("status <> ?", models.SeasonStatusEnded).
		Where("is_archived = ?", false).
		Order("end_date").
		Find(&seasons)

	if result.Error != nil {
		return nil, fmt.Errorf("failed to query seasons ending soon: %w", result.Error)
	}

	return seasons, nil
}

func (db *myDB) GetLocation(ctx context.Context, id uint) (*models.Location, error) {
	location := &models.Location{}
	if err := first(db.impl.WithContext(ctx).Where("id = ?", id), location, fmt.Sprintf("location %d", id)); err != nil {
		return nil, err
	}
	return location, nil
}

func (db *myDB) GetLocationByCode(ctx context.Context, code string) (*models.Location, error) {
	if code == "" {
		return nil, fmt.Errorf("empty location code: %w", ErrNotFound)
	}

	location := &models.Location{}
	if err := first(db.impl.WithContext(ctx).Where("location_code = ?", code), location, "location with code "+code); err != nil {
		return nil, err
	}
	return location, nil
}

func (db *myDB) GetPlantByCarePlan(ctx context.Context, carePlanID uint) (*models.Plant, error) {
	plant := &models.Plant{}
	if err := first(db.impl.WithContext(ctx).Where("care_plan_id = ?", carePlanID), plant, fmt.Sprintf("plant for care plan %d", carePlanID)); err != nil {
		return nil, err
	}
	return plant, nil
}

//GetUpcomingCareTasks returns tasks scheduled in [from, to) that are not done yet
func (db *myDB) GetUpcomingCareTasks(ctx context.Context, from, to time.Time) ([]models.CareTask, error) {
	tasks := []models.CareTask{}

	result := db.impl.WithContext(ctx).
		Where("scheduled_date >= ? AND scheduled_date < ?", from, to).
		Where("status <> ?", models.CareTaskDone).
		Order("scheduled_date").
		Find(&tasks)

	if result.Error != nil {
		return nil, fmt.Errorf("failed to query upcoming care tasks: %w", result.Error)
	}

	return tasks, nil
}
