// Package lock defines the interface of the distributed lock used to
// serialize concurrent builds of the same (release, platform) and
// concurrent compilations of the same requirements input.
package lock

import (
	"context"
	"errors"
)

var (
	ErrConfig  = errors.New("error configuring") //nolint:revive
	ErrLocking = errors.New("error locking")      //nolint:revive
)

// Lock defines the interface for a distributed lock service.
type Lock interface {
	// Lock reserves a lock for the given id and returns a function that
	// releases it. While held, no other process should be able to reserve
	// the same id.
	Lock(ctx context.Context, id string) (func(context.Context) error, error)
}
