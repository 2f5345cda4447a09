package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/samirobaid01/aemos-core/pkg/logger"
)

// Context keys populated by device-token authentication.
type contextKey string

const (
	SensorIDKey   contextKey = "sensor_id"
	SensorUUIDKey contextKey = "sensor_uuid"
	SensorNameKey contextKey = "sensor_name"
)

// Authenticator is the narrow contract the middleware needs from the
// token cache; satisfied by *tokencache.Cache.
type Authenticator interface {
	Authenticate(ctx context.Context, deviceUUID, token string) (*AuthenticatedSensor, error)
}

// AuthenticatedSensor is the subset of Sensor the context carries
// after a successful token lookup.
type AuthenticatedSensor struct {
	SensorID   int64
	SensorUUID string
	Name       string
}

// Logger middleware emits one structured line per request.
func Logger(log *logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				log.Infow("request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration_ms", time.Since(start).Milliseconds(),
					"bytes", ww.BytesWritten(),
					"request_id", middleware.GetReqID(r.Context()),
					"ip", r.RemoteAddr,
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// DeviceAuth validates the device-uuid/token pair carried on inbound
// HTTP traffic (the HTTP protocol adapter's equivalent of MQTT
// username/password auth) and populates the sensor context.
func DeviceAuth(auth Authenticator, devParam func(*http.Request) string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			deviceUUID := devParam(r)
			token := bearerToken(r)
			if deviceUUID == "" || token == "" {
				writeJSONError(w, http.StatusUnauthorized, "missing device uuid or token")
				return
			}

			sensor, err := auth.Authenticate(r.Context(), deviceUUID, token)
			if err != nil || sensor == nil {
				writeJSONError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), SensorIDKey, sensor.SensorID)
			ctx = context.WithValue(ctx, SensorUUIDKey, sensor.SensorUUID)
			ctx = context.WithValue(ctx, SensorNameKey, sensor.Name)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return r.URL.Query().Get("token")
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return parts[1]
	}
	return ""
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"status": "error", "message": message})
}

// GetSensorID extracts the authenticated sensor's id from context.
func GetSensorID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(SensorIDKey).(int64)
	return id, ok
}

// GetSensorUUID extracts the authenticated sensor's UUID from context.
func GetSensorUUID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(SensorUUIDKey).(string)
	return id, ok
}

// ParseUUIDParam is a small helper command-surface handlers use to pull
// a path parameter and validate it looks like a UUID before hitting
// the repository.
func ParseUUIDParam(raw string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	return id, err == nil
}
