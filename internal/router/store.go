package router

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/samirobaid01/aemos-core/internal/models"
	"github.com/samirobaid01/aemos-core/internal/repository"
)

// RepoStore adapts the concrete repositories to the narrow Store
// surface the router reads and writes.
type RepoStore struct {
	Repo *repository.Repositories
}

func (s *RepoStore) TelemetryDataByID(ctx context.Context, id int64) (*models.TelemetryData, error) {
	return s.Repo.TelemetryData.GetByID(ctx, id)
}

func (s *RepoStore) SensorByID(ctx context.Context, id int64) (*models.Sensor, error) {
	return s.Repo.Sensors.GetByID(ctx, id)
}

func (s *RepoStore) CreateDataStream(ctx context.Context, ds *models.DataStream) error {
	return s.Repo.DataStreams.Create(ctx, ds)
}

func (s *RepoStore) DeviceByUUID(ctx context.Context, id uuid.UUID) (*models.Device, error) {
	return s.Repo.Devices.GetByUUID(ctx, id)
}

func (s *RepoStore) UpdateDeviceStatus(ctx context.Context, id int64, status models.DeviceStatus) error {
	return s.Repo.Devices.UpdateStatus(ctx, id, status)
}

func (s *RepoStore) DeviceStateByName(ctx context.Context, deviceID int64, stateName string) (*models.DeviceState, error) {
	return s.Repo.DeviceStates.GetByDeviceAndName(ctx, deviceID, stateName)
}

func (s *RepoStore) CreateStateInstance(ctx context.Context, inst *models.DeviceStateInstance) error {
	return s.Repo.StateInstances.CreateInstance(ctx, inst)
}

// LatestState answers the read-side state query the HTTP adapter
// exposes: the current open interval for (deviceUuid, stateName).
func (s *RepoStore) LatestState(deviceUUID, stateName string) (string, time.Time, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	id, err := uuid.Parse(deviceUUID)
	if err != nil {
		return "", time.Time{}, false
	}
	device, err := s.Repo.Devices.GetByUUID(ctx, id)
	if err != nil || device == nil {
		return "", time.Time{}, false
	}
	state, err := s.Repo.DeviceStates.GetByDeviceAndName(ctx, device.ID, stateName)
	if err != nil || state == nil {
		return "", time.Time{}, false
	}
	inst, err := s.Repo.StateInstances.Latest(ctx, state.ID)
	if err != nil || inst == nil || inst.ToTimestamp != nil {
		return "", time.Time{}, false
	}
	return inst.Value, inst.FromTimestamp, true
}
