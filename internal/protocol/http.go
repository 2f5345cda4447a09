package protocol

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/samirobaid01/aemos-core/internal/engineerr"
	"github.com/samirobaid01/aemos-core/pkg/logger"
)

// StateReader answers the "GET latest state" read path HTTP exposes
// alongside the write path shared with MQTT/CoAP.
type StateReader interface {
	LatestState(deviceUUID, stateName string) (value string, fromTimestamp time.Time, ok bool)
}

// HTTPAdapter mounts the device/organization path scheme onto a chi
// router, normalizing each request body into the uniform Message and
// delegating to handler exactly like the MQTT/CoAP adapters do.
type HTTPAdapter struct {
	log     *logger.Logger
	handler Handler
	reader  StateReader
}

func NewHTTPAdapter(log *logger.Logger, handler Handler, reader StateReader) *HTTPAdapter {
	return &HTTPAdapter{log: log, handler: handler, reader: reader}
}

// Mount registers every inbound route under r, matching the MQTT
// topic segments 1:1 as path components.
func (a *HTTPAdapter) Mount(r chi.Router) {
	r.Post("/devices/{deviceUuid}/datastream", a.ingest(TypeDataStream))
	r.Post("/devices/{deviceUuid}/status", a.ingest(TypeDeviceStatus))
	r.Post("/devices/{deviceUuid}/state", a.ingest(TypeDeviceState))
	r.Post("/devices/{deviceUuid}/commands", a.ingest(TypeCommands))
	r.Post("/organizations/{orgId}/broadcast", a.ingestOrg(TypeBroadcast))
	r.Post("/organizations/{orgId}/rulechain/{ruleChainId}", a.ingestRuleChain())
	r.Get("/device/{deviceUuid}/state", a.getState)
}

func (a *HTTPAdapter) ingest(t MessageType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg := Message{
			Protocol:   ProtocolHTTP,
			Type:       t,
			Topic:      r.URL.Path,
			DeviceUUID: chi.URLParam(r, "deviceUuid"),
			Timestamp:  time.Now(),
			Query:      flattenQuery(r),
		}
		a.dispatch(w, r, msg)
	}
}

func (a *HTTPAdapter) ingestOrg(t MessageType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg := Message{
			Protocol:  ProtocolHTTP,
			Type:      t,
			Topic:     r.URL.Path,
			OrgID:     chi.URLParam(r, "orgId"),
			Timestamp: time.Now(),
			Query:     flattenQuery(r),
		}
		a.dispatch(w, r, msg)
	}
}

func (a *HTTPAdapter) ingestRuleChain() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg := Message{
			Protocol:    ProtocolHTTP,
			Type:        TypeRuleChain,
			Topic:       r.URL.Path,
			OrgID:       chi.URLParam(r, "orgId"),
			RuleChainID: chi.URLParam(r, "ruleChainId"),
			Timestamp:   time.Now(),
			Query:       flattenQuery(r),
		}
		a.dispatch(w, r, msg)
	}
}

func (a *HTTPAdapter) dispatch(w http.ResponseWriter, r *http.Request, msg Message) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": "failed to read body"})
		return
	}
	msg.Payload = DecodePayload(body)

	if err := a.handler(r.Context(), msg); err != nil {
		writeJSON(w, statusFor(err), map[string]string{"status": "error", "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// statusFor maps handler error codes onto HTTP statuses; anything
// uncategorized is a 500.
func statusFor(err error) int {
	var ee *engineerr.EngineError
	if !errors.As(err, &ee) {
		return http.StatusInternalServerError
	}
	switch ee.Code {
	case engineerr.AuthenticationFailed:
		return http.StatusUnauthorized
	case engineerr.ValidationError, engineerr.InvalidDeviceUUID, engineerr.InvalidOrgID:
		return http.StatusBadRequest
	case engineerr.DeviceNotFound, engineerr.UnknownMessageType:
		return http.StatusNotFound
	case engineerr.BackpressureRejected:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// getState returns the latest open state interval for a device.
// GET /device/{uuid}/state.
// ?observe=true is accepted but this reference implementation answers
// the current value only; long-poll/SSE subscription is left to the
// notification fan-out's MQTT path.
func (a *HTTPAdapter) getState(w http.ResponseWriter, r *http.Request) {
	deviceUUID := chi.URLParam(r, "deviceUuid")
	stateName := r.URL.Query().Get("stateName")
	if stateName == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": "stateName query param required"})
		return
	}

	value, from, ok := a.reader.LatestState(deviceUUID, stateName)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "error", "message": "no state recorded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"data":   map[string]interface{}{"value": value, "fromTimestamp": from},
	})
}

func flattenQuery(r *http.Request) map[string]string {
	out := map[string]string{}
	for k := range r.URL.Query() {
		out[k] = r.URL.Query().Get(k)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
