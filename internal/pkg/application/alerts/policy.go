package alerts

import (
	"context"
	"errors"

	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/infrastructure/repositories/database"
	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/infrastructure/repositories/models"
)

//SettingStore is the subset of the datastore the threshold policy needs
type SettingStore interface {
	GetAlertSetting(ctx context.Context, locationID *uint) (*models.AlertSetting, error)
}

//ThresholdPolicy resolves the effective bounds for a location
type ThresholdPolicy struct {
	store SettingStore
}

//NewThresholdPolicy creates a policy backed by store
func NewThresholdPolicy(store SettingStore) *ThresholdPolicy {
	return &ThresholdPolicy{store: store}
}

//SettingFor returns the location's own setting, the system wide row when the
//location has none, or the built in defaults when neither exists
func (p *ThresholdPolicy) SettingFor(ctx context.Context, locationID uint) (*models.AlertSetting, error) {
	setting, err := p.store.GetAlertSetting(ctx, &locationID)
	if err == nil {
		return setting, nil
	}

	if !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}

	setting, err = p.store.GetAlertSetting(ctx, nil)
	if err == nil {
		return setting, nil
	}

	if !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}

	return models.DefaultAlertSetting(), nil
}
