// Package registry defines the durable mapping from transport connection id
// to the principal (and tenant) admitted on it.
package registry

import (
	"context"
	"errors"
	"time"
)

// Registry stores one ConnectionRecord per connection id.
type Registry interface {
	// Put upserts rec keyed by its ConnectionID. Writing the same id again
	// replaces the previous record.
	Put(ctx context.Context, rec *ConnectionRecord, opts ...Option) error

	// Get returns the record for connectionID, or nil if none exists or it
	// has expired. An error is returned only for storage failures.
	Get(ctx context.Context, connectionID string) (*ConnectionRecord, error)

	// Close releases backend resources.
	Close() error
}

// ConnectionRecord is the registry entry for one admitted connection.
type ConnectionRecord struct {
	ConnectionID string     `json:"connectionId" dynamodbav:"connectionId"`
	PrincipalID  string     `json:"principalId" dynamodbav:"principalId"`
	TenantID     string     `json:"tenantId,omitempty" dynamodbav:"tenantId,omitempty"`
	DisplayName  string     `json:"displayName,omitempty" dynamodbav:"displayName,omitempty"`
	ConnectedAt  time.Time  `json:"connectedAt" dynamodbav:"connectedAt"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty" dynamodbav:"-"`
}

// Validate reports whether rec carries the fields every backend requires.
func (rec *ConnectionRecord) Validate() error {
	if rec == nil {
		return ErrInvalidRecord
	}
	if rec.ConnectionID == "" || rec.PrincipalID == "" {
		return ErrInvalidRecord
	}
	return nil
}

// IsExpired checks if the record has expired.
func (rec *ConnectionRecord) IsExpired() bool {
	return rec.ExpiresAt != nil && time.Now().After(*rec.ExpiresAt)
}

// Option configures a Put.
type Option func(*Options)

// Options contains configuration for Put operations.
type Options struct {
	TTL *time.Duration // Optional: time-to-live for the record
}

// WithTTL sets a time-to-live for the stored record.
func WithTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		opts.TTL = &ttl
	}
}

// Apply folds opts into an Options value.
func Apply(opts ...Option) *Options {
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Stamp returns a copy of rec with ExpiresAt derived from the TTL in o,
// measured from now. Without a positive TTL the copy never expires.
func (o *Options) Stamp(rec *ConnectionRecord, now time.Time) *ConnectionRecord {
	cp := *rec
	cp.ExpiresAt = nil
	if o.TTL != nil && *o.TTL > 0 {
		exp := now.Add(*o.TTL)
		cp.ExpiresAt = &exp
	}
	return &cp
}

var (
	// ErrInvalidRecord is returned when a record lacks its connection or principal id.
	ErrInvalidRecord = errors.New("registry: record requires connection id and principal id")
)
