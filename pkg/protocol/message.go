package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message type tags.
const (
	TypeRerenderRequest  = "rerender@request"
	TypeEventRequest     = "event@request"
	TypeRerenderResponse = "rerender@response"
	TypeErrorResponse    = "error@response"
)

var (
	// ErrInvalidRequest is returned when a request is not valid JSON or
	// misses a required field.
	ErrInvalidRequest = errors.New("protocol: invalid request")

	// ErrUnknownRequestType is returned for an unrecognised type tag.
	ErrUnknownRequestType = errors.New("protocol: unknown request type")
)

// ErrorCode classifies an error response.
type ErrorCode string

const (
	ErrCodeInvalidRequest  ErrorCode = "InvalidRequest"
	ErrCodeUnknownSession  ErrorCode = "UnknownSession"
	ErrCodeUnknownInstance ErrorCode = "UnknownInstance"
	ErrCodeUnknownHandler  ErrorCode = "UnknownHandler"
	ErrCodeHandlerFailed   ErrorCode = "HandlerFailed"
	ErrCodeRenderFailed    ErrorCode = "RenderFailed"
	ErrCodeServerError     ErrorCode = "ServerError"
)

// Request is a message sent by the client.
// Implementations: *RerenderRequest, *EventRequest.
type Request interface {
	isRequest()
}

// RerenderRequest asks the server to render an instance and send the result.
type RerenderRequest struct {
	InstanceID string
}

// EventRequest routes a client event to a handler of an instance.
type EventRequest struct {
	InstanceID string
	HandlerID  string
	Payload    json.RawMessage
}

func (*RerenderRequest) isRequest() {}
func (*EventRequest) isRequest()    {}

// Response is a message sent by the server.
// Implementations: *RerenderResponse, *ErrorResponse.
type Response interface {
	isResponse()
}

// RerenderResponse carries the new markup of an instance.
type RerenderResponse struct {
	InstanceID string
	HTML       string
}

// ErrorResponse reports a failed request.
type ErrorResponse struct {
	Code    ErrorCode
	Message string
}

func (*RerenderResponse) isResponse() {}
func (*ErrorResponse) isResponse()    {}

// NewError creates an ErrorResponse.
func NewError(code ErrorCode, message string) *ErrorResponse {
	return &ErrorResponse{Code: code, Message: message}
}

// envelope is the wire shape shared by all messages.
type envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Handler string          `json:"handler,omitempty"`
	Event   json.RawMessage `json:"event,omitempty"`
	HTML    *string         `json:"html,omitempty"`
	Code    ErrorCode       `json:"code,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// DecodeRequest parses a client request.
func DecodeRequest(data []byte) (Request, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	switch env.Type {
	case TypeRerenderRequest:
		if env.ID == "" {
			return nil, fmt.Errorf("%w: missing id", ErrInvalidRequest)
		}
		return &RerenderRequest{InstanceID: env.ID}, nil

	case TypeEventRequest:
		if env.ID == "" {
			return nil, fmt.Errorf("%w: missing id", ErrInvalidRequest)
		}
		if env.Handler == "" {
			return nil, fmt.Errorf("%w: missing handler", ErrInvalidRequest)
		}
		return &EventRequest{
			InstanceID: env.ID,
			HandlerID:  env.Handler,
			Payload:    env.Event,
		}, nil

	case "":
		return nil, fmt.Errorf("%w: missing type", ErrInvalidRequest)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRequestType, env.Type)
	}
}

// EncodeRequest serializes a client request. The server never sends
// requests; this is used by clients written in Go and by tests.
func EncodeRequest(r Request) ([]byte, error) {
	switch req := r.(type) {
	case *RerenderRequest:
		return json.Marshal(envelope{Type: TypeRerenderRequest, ID: req.InstanceID})
	case *EventRequest:
		return json.Marshal(envelope{
			Type:    TypeEventRequest,
			ID:      req.InstanceID,
			Handler: req.HandlerID,
			Event:   req.Payload,
		})
	default:
		return nil, fmt.Errorf("protocol: cannot encode request %T", r)
	}
}

// EncodeResponse serializes a server response.
func EncodeResponse(r Response) ([]byte, error) {
	switch resp := r.(type) {
	case *RerenderResponse:
		html := resp.HTML
		return json.Marshal(envelope{Type: TypeRerenderResponse, ID: resp.InstanceID, HTML: &html})
	case *ErrorResponse:
		return json.Marshal(envelope{Type: TypeErrorResponse, Code: resp.Code, Error: resp.Message})
	default:
		return nil, fmt.Errorf("protocol: cannot encode response %T", r)
	}
}

// DecodeResponse parses a server response.
func DecodeResponse(data []byte) (Response, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: invalid response: %w", err)
	}

	switch env.Type {
	case TypeRerenderResponse:
		resp := &RerenderResponse{InstanceID: env.ID}
		if env.HTML != nil {
			resp.HTML = *env.HTML
		}
		return resp, nil
	case TypeErrorResponse:
		return &ErrorResponse{Code: env.Code, Message: env.Error}, nil
	default:
		return nil, fmt.Errorf("protocol: unknown response type %q", env.Type)
	}
}
