// Package dispatch defines the contract between the notify pipeline and the
// per-platform push backends, plus the retry and admission machinery the
// backends share.
package dispatch

import (
	"context"

	"github.com/tinywideclouds/go-push-gateway/pkg/notification"
)

// Backend relays notifications to the push provider behind one configured
// app id and reports which pushkeys the provider has declared permanently
// invalid.
type Backend interface {
	// Name returns the app id (or glob pattern) this backend was
	// configured under.
	Name() string

	// Dispatch sends n to the given devices, which all resolved to this
	// backend. It returns the pushkeys to report back to the homeserver
	// for invalidation; transient failures surface as *TemporaryError,
	// unrecoverable ones as *PermanentError.
	Dispatch(ctx context.Context, n *notification.Notification, devices ...notification.Device) ([]string, error)
}
