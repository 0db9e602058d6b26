package protocol

import (
	"errors"
	"fmt"
)

// Error classes. Concrete errors wrap one of these so callers can branch
// with errors.Is.
var (
	ErrConfiguration     = errors.New("protocol: configuration error")
	ErrProtocolViolation = errors.New("protocol: protocol violation")
	ErrLookup            = errors.New("protocol: lookup failed")
	ErrHandlerFailure    = errors.New("protocol: handler failed")
	ErrTransport         = errors.New("protocol: transport failure")
)

var (
	ErrRegistryFrozen   = fmt.Errorf("%w: registry frozen", ErrConfiguration)
	ErrDuplicateType    = fmt.Errorf("%w: message type already registered", ErrConfiguration)
	ErrUnknownMessageID = fmt.Errorf("%w: unknown message id", ErrLookup)
	ErrUnregisteredType = fmt.Errorf("%w: message type not registered", ErrLookup)
	ErrMessageTooLarge  = fmt.Errorf("%w: message exceeds max packet size", ErrProtocolViolation)
	ErrUnknownHeader    = fmt.Errorf("%w: unknown datagram header", ErrProtocolViolation)
)
