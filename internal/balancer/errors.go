package balancer

import "errors"

// Balancer error types.
var (
	ErrRegistrationClosed  = errors.New("registration period is over")
	ErrRegistrationOpen    = errors.New("registration period is still open")
	ErrInvalidNode         = errors.New("invalid node registration")
	ErrNoLiveNode          = errors.New("no live storage nodes")
	ErrUpstreamUnavailable = errors.New("storage node unavailable")
)
