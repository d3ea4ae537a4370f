package relayerr

// Type is the client-visible error category.
type Type string

const (
	TypeInvalidRequest        Type = "invalid_request_error"
	TypePermissionDenied      Type = "permission_denied"
	TypeServiceUnavailable    Type = "service_unavailable"
	TypeAPIError              Type = "api_error"
	TypeAccountNotFound       Type = "account_not_found"
	TypeInvalidAccountType    Type = "invalid_account_type"
	TypeConfigurationRequired Type = "configuration_required"
	TypeUnauthorized          Type = "unauthorized"
	TypeUsageLimitReached     Type = "usage_limit_reached"
	TypeStreamError           Type = "stream_error"
)

// Error is the standardized gateway error. It renders as
// {"error":{"message","type","code","upstreamStatus"?,"upstreamResponse"?}}.
type Error struct {
	HTTPStatus       int            `json:"-"`
	Message          string         `json:"message"`
	Type             Type           `json:"type"`
	Code             string         `json:"code,omitempty"`
	UpstreamStatus   int            `json:"upstreamStatus,omitempty"`
	UpstreamResponse map[string]any `json:"upstreamResponse,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// New builds an Error with the given surface attributes.
func New(httpStatus int, typ Type, code, message string) *Error {
	return &Error{HTTPStatus: httpStatus, Type: typ, Code: code, Message: message}
}

// WithUpstream attaches the upstream status and decoded body, when available.
func (e *Error) WithUpstream(status int, body map[string]any) *Error {
	e.UpstreamStatus = status
	e.UpstreamResponse = body
	return e
}
