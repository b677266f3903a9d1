package license

import "errors"

// Domain errors returned by the service and store. The API layer maps these
// to stable machine-readable codes; nothing below the API boundary formats
// HTTP responses.
var (
	ErrNotFound             = errors.New("license not found")
	ErrAlreadyExists        = errors.New("license already exists")
	ErrInvalidPlan          = errors.New("invalid plan")
	ErrInvalidStatus        = errors.New("invalid status")
	ErrUnknownModule        = errors.New("unknown module")
	ErrNonPositiveDays      = errors.New("days must be positive")
	ErrInactive             = errors.New("license is not active")
	ErrModulesDrift         = errors.New("active modules do not match plan")
	ErrExpiryBeforeCreation = errors.New("expires_at precedes created_at")
	ErrIllegalTransition    = errors.New("illegal status transition")
)
