package model

import "errors"

var (
	// ErrRateLimited is returned when a client exceeded the admission rate.
	ErrRateLimited = errors.New("rate limited")
	// ErrAuthFailed is returned for a missing, malformed, forged or expired capability token.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrForbiddenDomain is returned when the request origin is not in the token allow-list.
	ErrForbiddenDomain = errors.New("forbidden domain")
	// ErrCapacityExceeded is returned when a per-conversation or per-IP cap is full.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrUpstreamUnavailable is returned when the broker cannot be reached.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrDeliveryFailed marks a failed send to a single connection.
	ErrDeliveryFailed = errors.New("delivery failed")
	// ErrConnectionClosed is returned when sending to a connection that is no longer registered.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrInvalidEvent is returned for events that cannot be decoded or validated.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrConversationNotFound is returned when the relational store does not know a conversation.
	ErrConversationNotFound = errors.New("conversation not found")
)
