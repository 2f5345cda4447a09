// Package tokencache implements the token-based device
// authentication cache: a TTL-backed token to sensor identity map,
// fronting the repository's device_tokens table.
package tokencache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/samirobaid01/aemos-core/internal/middleware"
	"github.com/samirobaid01/aemos-core/internal/models"
	"github.com/samirobaid01/aemos-core/internal/repository"
	"github.com/samirobaid01/aemos-core/pkg/logger"
)

const keyPrefix = "aemos:token:"

// entry is what the cache stores per token — just enough to answer
// the authentication contract without a repository round-trip.
type entry struct {
	SensorID   int64  `json:"sensorId"`
	SensorUUID string `json:"sensorUuid"`
	Name       string `json:"name"`
}

// Cache is the device-token TTL map, backed by Redis so it survives
// process restarts and is shareable across instances.
type Cache struct {
	rdb       *redis.Client
	repo      *repository.Repositories
	log       *logger.Logger
	ttl       time.Duration
	publisher publisherCreds
}

type publisherCreds struct {
	user, pass, clientPrefix string
}

// NewCache wires a Redis client with the given connection options.
func NewCache(opts *redis.Options, repo *repository.Repositories, log *logger.Logger, ttl time.Duration, publisherUser, publisherPass, publisherPrefix string) *Cache {
	return &Cache{
		rdb:  redis.NewClient(opts),
		repo: repo,
		log:  log,
		ttl:  ttl,
		publisher: publisherCreds{
			user: publisherUser, pass: publisherPass, clientPrefix: publisherPrefix,
		},
	}
}

// EnsureConnection verifies the Redis connection is reachable.
func (c *Cache) EnsureConnection(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	return c.rdb.Close()
}

// IsFeedbackLoop reports whether clientId identifies our own outbound
// publisher.
func (c *Cache) IsFeedbackLoop(clientID string) bool {
	return c.publisher.clientPrefix != "" && strings.HasPrefix(clientID, c.publisher.clientPrefix)
}

// IsInternalPublisher reports whether the given username/password pair
// is the reserved internal-publisher credential.
func (c *Cache) IsInternalPublisher(username, password string) bool {
	return username == c.publisher.user && password == c.publisher.pass
}

// Authenticate implements middleware.Authenticator: consult the cache,
// fall through to the repository on miss, reject on UUID mismatch or
// inactive/expired status, and cache the result with the configured
// TTL.
func (c *Cache) Authenticate(ctx context.Context, deviceUUID, token string) (*middleware.AuthenticatedSensor, error) {
	key := keyPrefix + token

	if raw, err := c.rdb.Get(ctx, key).Result(); err == nil {
		var e entry
		if jsonErr := json.Unmarshal([]byte(raw), &e); jsonErr == nil {
			if e.SensorUUID != deviceUUID {
				return nil, fmt.Errorf("tokencache: uuid mismatch for cached token")
			}
			go c.touchLastUsed(context.Background(), token)
			return &middleware.AuthenticatedSensor{SensorID: e.SensorID, SensorUUID: e.SensorUUID, Name: e.Name}, nil
		}
	} else if err != redis.Nil {
		c.log.Warnw("token cache read failed, falling back to repository", "error", err)
	}

	dbToken, sensor, err := c.repo.Tokens.GetActiveByToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("tokencache: repository lookup: %w", err)
	}
	if dbToken == nil || sensor == nil {
		return nil, fmt.Errorf("tokencache: token not found or inactive")
	}
	if sensor.UUID.String() != deviceUUID {
		return nil, fmt.Errorf("tokencache: uuid mismatch: token belongs to a different sensor")
	}
	if sensor.Status != models.SensorStatusActive {
		return nil, fmt.Errorf("tokencache: sensor status %q is not active", sensor.Status)
	}

	e := entry{SensorID: sensor.ID, SensorUUID: sensor.UUID.String(), Name: sensor.Name}
	if raw, err := json.Marshal(e); err == nil {
		if err := c.rdb.Set(ctx, key, raw, c.ttl).Err(); err != nil {
			c.log.Warnw("token cache write failed", "error", err)
		}
	}

	go c.touchLastUsed(context.Background(), token)
	return &middleware.AuthenticatedSensor{SensorID: e.SensorID, SensorUUID: e.SensorUUID, Name: e.Name}, nil
}

func (c *Cache) touchLastUsed(ctx context.Context, token string) {
	_, sensor, err := c.repo.Tokens.GetActiveByToken(ctx, token)
	if err != nil || sensor == nil {
		return
	}
	toks, err := c.repo.Tokens.ListBySensor(ctx, sensor.ID)
	if err != nil {
		return
	}
	for _, t := range toks {
		if t.Token == token {
			if err := c.repo.Tokens.UpdateLastUsed(ctx, t.ID); err != nil {
				c.log.Warnw("failed to update token last_used", "error", err)
			}
			return
		}
	}
}

// Invalidate removes a token from the cache immediately, used when a
// token is revoked through the command surface.
func (c *Cache) Invalidate(ctx context.Context, token string) error {
	return c.rdb.Del(ctx, keyPrefix+token).Err()
}

// RunSweep logs periodic cache occupancy stats every interval until
// ctx is cancelled. Redis TTLs already expire entries; this loop is
// the observability half of the periodic expiration sweep.
func (c *Cache) RunSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.rdb.DBSize(ctx).Result()
			if err != nil {
				c.log.Warnw("token cache sweep failed", "error", err)
				continue
			}
			c.log.Infow("token cache sweep", "approx_entries", n)
		}
	}
}
