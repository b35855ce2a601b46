// Package kv is the runtime's durable key/value storage. Related keys are
// always written together through a Batch so readers never observe half of
// a record set.
package kv

import (
	"context"
	"errors"
)

// Durable keys shared by the session components.
const (
	KeyToken                    = "jwt_token"
	KeyTokenExpiration          = "jwt_expiration"
	KeyProfile                  = "firebase_user_profile"
	KeyAdminStatus              = "firebase_user_admin_status"
	KeyLastSuccessfulConnection = "lastSuccessfulConnection"
	KeyIdentitySession          = "firebase_identity_session"
)

var (
	ErrClosed     = errors.New("kv: store closed")
	ErrEmptyKey   = errors.New("kv: empty key")
	ErrEmptyBatch = errors.New("kv: empty batch")
)

// Store is implemented by every storage back-end.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	// GetMany returns the present keys only, read from one consistent snapshot.
	GetMany(ctx context.Context, keys ...string) (map[string]string, error)
	// Apply writes every operation of b or none of them.
	Apply(ctx context.Context, b *Batch) error
	Close() error
}

type op struct {
	key    string
	value  string
	delete bool
}

// Batch collects puts and deletes applied atomically by Store.Apply.
type Batch struct {
	ops []op
}

// NewBatch returns an empty batch.
func NewBatch() *Batch { return &Batch{} }

// Put sets key to value.
func (b *Batch) Put(key, value string) *Batch {
	b.ops = append(b.ops, op{key: key, value: value})
	return b
}

// Delete removes key.
func (b *Batch) Delete(keys ...string) *Batch {
	for _, k := range keys {
		b.ops = append(b.ops, op{key: k, delete: true})
	}
	return b
}

// Len returns the number of operations.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.ops)
}

func (b *Batch) validate() error {
	if b.Len() == 0 {
		return ErrEmptyBatch
	}
	for _, o := range b.ops {
		if o.key == "" {
			return ErrEmptyKey
		}
	}
	return nil
}
