package localrecords

import "errors"

var (
	// ErrInvalidDomain is returned when a host name is invalid
	ErrInvalidDomain = errors.New("invalid domain name")

	// ErrInvalidPattern is returned when a domain pattern does not compile
	ErrInvalidPattern = errors.New("invalid domain pattern")

	// ErrEmptyTarget is returned when an override has no answer value
	ErrEmptyTarget = errors.New("answer value cannot be empty")

	// ErrDuplicateName is returned when two keys normalize to the same name
	ErrDuplicateName = errors.New("duplicate name after normalization")
)
