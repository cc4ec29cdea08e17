package transport

import (
	"errors"
	"fmt"

	"liyu1981.xyz/vitals-alert-service/pkg/models"
	"liyu1981.xyz/vitals-alert-service/pkg/registry"
)

type MessageType string

const (
	// client -> server
	MsgAuth        MessageType = "auth"
	MsgSubscribe   MessageType = "subscribe"
	MsgUnsubscribe MessageType = "unsubscribe"
	MsgAcknowledge MessageType = "acknowledge"
	MsgListActive  MessageType = "list_active"

	// server -> client
	MsgAuthOK              MessageType = "auth_ok"
	MsgAuthError           MessageType = "auth_error"
	MsgResponse            MessageType = "response"
	MsgDoctorStatus        MessageType = "doctor_status"
	MsgPatientStatusChange MessageType = "patient_status_change"
)

// Alert events travel with their event type as the message type.
func alertMessageType(t models.EventType) MessageType {
	return MessageType(t)
}

func isAlertMessage(t MessageType) bool {
	switch models.EventType(t) {
	case models.EventNew, models.EventUpdate, models.EventEscalated, models.EventCleared, models.EventAcknowledged:
		return true
	}
	return false
}

// Close codes in the application range.
const (
	CloseAuthFailed  = 4401
	CloseRevoked     = 4403
	CloseAuthTimeout = 4408
)

// Envelope is the single frame shape of the wire protocol; Type tells which
// fields are set.
type Envelope struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`

	Token       string `json:"token,omitempty"`
	PatientID   string `json:"patient_id,omitempty"`
	AllCritical bool   `json:"all_critical,omitempty"`
	AlertID     string `json:"alert_id,omitempty"`
	// Limit of a list_active request: zero asks for the default cap, a
	// negative value for every active alert.
	Limit int `json:"limit,omitempty"`

	ClientID      string                      `json:"client_id,omitempty"`
	Identity      *models.Identity            `json:"identity,omitempty"`
	Alert         *models.Alert               `json:"alert,omitempty"`
	Alerts        []models.Alert              `json:"alerts,omitempty"`
	Subscriptions []registry.Target           `json:"subscriptions,omitempty"`
	DoctorID      string                      `json:"doctor_id,omitempty"`
	Name          string                      `json:"name,omitempty"`
	Status        models.PresenceStatus       `json:"status,omitempty"`
	Change        *models.PatientStatusChange `json:"change,omitempty"`
	Error         *ErrorBody                  `json:"error,omitempty"`
}

func (e Envelope) target() registry.Target {
	return registry.Target{PatientID: e.PatientID, AllCritical: e.AllCritical}
}

const (
	CodeBadRequest = "bad_request"
	CodeValidation = "validation"
	CodeNotFound   = "not_found"
	CodeForbidden  = "forbidden"
	CodeAuth       = "auth"
	CodeInternal   = "internal"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorBodyOf(err error) *ErrorBody {
	code := CodeInternal
	switch {
	case models.IsValidation(err), errors.Is(err, registry.ErrInvalidTarget):
		code = CodeValidation
	case models.IsNotFound(err):
		code = CodeNotFound
	case models.IsForbidden(err), errors.Is(err, registry.ErrWildcardNotAllowed):
		code = CodeForbidden
	case models.IsAuth(err):
		code = CodeAuth
	}
	return &ErrorBody{Code: code, Message: err.Error()}
}

// errorOf maps a response error back onto the model error taxonomy.
func errorOf(body *ErrorBody, req Envelope) error {
	switch body.Code {
	case CodeNotFound:
		return &models.NotFoundError{AlertID: req.AlertID}
	case CodeForbidden:
		return &models.ForbiddenError{PatientID: req.PatientID}
	case CodeValidation, CodeBadRequest:
		return &models.ValidationError{PatientID: req.PatientID, Reason: body.Message}
	case CodeAuth:
		return &models.AuthError{Reason: body.Message}
	}
	return fmt.Errorf("%s failed: %s", req.Type, body.Message)
}

// ConnState is the lifecycle of one connection. Disconnected is terminal for
// a server connection; a client may go from it back to Connecting.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateAuthenticating
	StateConnected
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}
