// Package engineerr defines the structured error taxonomy shared by
// the router, ingest, rule engine, and schedule manager, so every
// layer surfaces the same {code, message, context} shape instead of
// bare strings.
package engineerr

import "fmt"

type Code string

const (
	ValidationError       Code = "VALIDATION_ERROR"
	AuthenticationFailed  Code = "AUTHENTICATION_FAILED"
	DeviceNotFound        Code = "DEVICE_NOT_FOUND"
	InvalidDeviceUUID     Code = "INVALID_DEVICE_UUID"
	InvalidOrgID          Code = "INVALID_ORG_ID"
	DataCollectionTimeout Code = "DATA_COLLECTION_TIMEOUT"
	RuleChainTimeout      Code = "RULE_CHAIN_TIMEOUT"
	RuleEvalError         Code = "RULE_EVAL_ERROR"
	BackpressureRejected  Code = "BACKPRESSURE_REJECTED"
	RoutingError          Code = "ROUTING_ERROR"
	UnknownMessageType    Code = "UNKNOWN_MESSAGE_TYPE"
)

// EngineError is the single structured error type every hot-path
// component wraps its failures in before they reach a log line or a
// command-surface response body.
type EngineError struct {
	Code    Code
	Message string
	Context map[string]interface{}
	Err     error
}

func New(code Code, message string, context map[string]interface{}) *EngineError {
	return &EngineError{Code: code, Message: message, Context: context}
}

func Wrap(code Code, message string, err error, context map[string]interface{}) *EngineError {
	return &EngineError{Code: code, Message: message, Context: context, Err: err}
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}
