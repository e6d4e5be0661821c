package reservation

import "errors"

// Domain-level error values returned by the reservation service.
var (
	ErrUnknownReservation = errors.New("unknown reservation")
	ErrReservationExists  = errors.New("reservation already exists")
	ErrReservationSettled = errors.New("reservation already settled")
	ErrInvalidState       = errors.New("invalid reservation state")
	ErrInvalidTTL         = errors.New("invalid reservation ttl")
	ErrInvalidConfig      = errors.New("invalid reservation service config")
)
