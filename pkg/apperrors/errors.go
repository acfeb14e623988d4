package apperrors

import "errors"

var (
	ErrNotFound                     = errors.New("not found")
	ErrQueryTimeout                 = errors.New("query timed out")
	ErrFanOut                       = errors.New("join fan-out")
	ErrIdentityReferenceUnavailable = errors.New("identity reference unavailable")
	ErrDiscoveryTimeout             = errors.New("catalog discovery timed out")
	ErrInvalidIdentifier            = errors.New("invalid identifier")
	ErrUnsafeLiteral                = errors.New("unsafe literal")
)
