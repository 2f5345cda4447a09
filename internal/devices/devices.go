// Package devices tracks live connectivity of the device fleet and
// owns the hardware-bound command queue. The rule engine writes state
// through the repository; this service watches which devices are
// actually talking and flags the ones that have gone quiet.
package devices

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samirobaid01/aemos-core/internal/models"
	"github.com/samirobaid01/aemos-core/internal/repository"
	"github.com/samirobaid01/aemos-core/pkg/logger"
)

// Command is one hardware-bound instruction queued for dispatch.
// Execution against real hardware happens outside this core; the queue
// exists so commands survive a burst and are logged in arrival order.
type Command struct {
	ID         uuid.UUID
	DeviceUUID string
	Name       string
	Params     map[string]interface{}
	Status     string
	QueuedAt   time.Time
}

// Service watches device liveness and drains the command queue.
type Service struct {
	repo         *repository.Repositories
	log          *logger.Logger
	commandQueue chan Command

	mu       sync.RWMutex
	lastSeen map[string]time.Time

	offlineAfter  time.Duration
	sweepInterval time.Duration
}

func NewService(repo *repository.Repositories, log *logger.Logger, offlineAfter, sweepInterval time.Duration) *Service {
	if offlineAfter <= 0 {
		offlineAfter = 5 * time.Minute
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	return &Service{
		repo:          repo,
		log:           log,
		commandQueue:  make(chan Command, 1000),
		lastSeen:      map[string]time.Time{},
		offlineAfter:  offlineAfter,
		sweepInterval: sweepInterval,
	}
}

// Run drains the command queue and sweeps device liveness until ctx is
// cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-s.commandQueue:
			s.dispatch(cmd)
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// Touch records traffic from a device, reviving a disconnected one.
func (s *Service) Touch(ctx context.Context, deviceUUID string) {
	s.mu.Lock()
	_, known := s.lastSeen[deviceUUID]
	s.lastSeen[deviceUUID] = time.Now()
	s.mu.Unlock()

	if known {
		return
	}
	id, err := uuid.Parse(deviceUUID)
	if err != nil {
		return
	}
	device, err := s.repo.Devices.GetByUUID(ctx, id)
	if err != nil || device == nil {
		return
	}
	if device.Status == models.DeviceStatusDisconnected {
		if err := s.repo.Devices.UpdateStatus(ctx, device.ID, models.DeviceStatusActive); err != nil {
			s.log.Warnw("device revive failed", "device_uuid", deviceUUID, "error", err)
		}
	}
}

// EnqueueCommand queues a hardware-bound command, rejecting when full
// rather than blocking the router.
func (s *Service) EnqueueCommand(deviceUUID string, name string, params map[string]interface{}) error {
	cmd := Command{
		ID:         uuid.New(),
		DeviceUUID: deviceUUID,
		Name:       name,
		Params:     params,
		Status:     "pending",
		QueuedAt:   time.Now(),
	}
	select {
	case s.commandQueue <- cmd:
		return nil
	default:
		return fmt.Errorf("command queue full")
	}
}

// dispatch logs a command's departure. Hardware transports plug in
// outside this core, so dispatch here is acknowledgement only.
func (s *Service) dispatch(cmd Command) {
	s.log.Infow("command dispatched",
		"command_id", cmd.ID,
		"device_uuid", cmd.DeviceUUID,
		"command", cmd.Name,
		"queued_for_ms", time.Since(cmd.QueuedAt).Milliseconds(),
	)
}

// sweep marks devices disconnected when they have been silent past the
// offline threshold.
func (s *Service) sweep(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	var stale []string
	for uuidStr, seen := range s.lastSeen {
		if now.Sub(seen) > s.offlineAfter {
			stale = append(stale, uuidStr)
			delete(s.lastSeen, uuidStr)
		}
	}
	s.mu.Unlock()

	for _, uuidStr := range stale {
		id, err := uuid.Parse(uuidStr)
		if err != nil {
			continue
		}
		device, err := s.repo.Devices.GetByUUID(ctx, id)
		if err != nil || device == nil {
			continue
		}
		if err := s.repo.Devices.UpdateStatus(ctx, device.ID, models.DeviceStatusDisconnected); err != nil {
			s.log.Warnw("device offline mark failed", "device_uuid", uuidStr, "error", err)
			continue
		}
		s.log.Warnw("device went offline", "device_uuid", uuidStr, "name", device.Name)
	}
}

// HealthSummary counts tracked devices by liveness bucket.
func (s *Service) HealthSummary() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	summary := map[string]int{"online": 0, "quiet": 0, "total": 0}
	for _, seen := range s.lastSeen {
		summary["total"]++
		if now.Sub(seen) > s.offlineAfter/2 {
			summary["quiet"]++
		} else {
			summary["online"]++
		}
	}
	summary["queued_commands"] = len(s.commandQueue)
	return summary
}
