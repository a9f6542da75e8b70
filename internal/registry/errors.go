package registry

import "errors"

var (
	// ErrDuplicateSubscription is returned by Add when the
	// (server, topic) key already exists.
	ErrDuplicateSubscription = errors.New("subscription already exists")

	// ErrNotFound is returned when a subscription id is unknown. Callers
	// removing a subscription treat it as already satisfied.
	ErrNotFound = errors.New("subscription not found")

	// ErrServerNotFound is returned when a server id is unknown.
	ErrServerNotFound = errors.New("server not found")

	// ErrInvalidTopic is returned by Add for an empty or malformed topic.
	ErrInvalidTopic = errors.New("invalid topic name")
)
