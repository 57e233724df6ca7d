// Package provider defines the capability contract every data source
// connector implements.
package provider

import (
	"context"
	"time"

	"github.com/meridian-hq/meridian/internal/core"
)

// Info is the immutable capability descriptor a provider declares at
// registration. It is owned by the process for its lifetime and never
// persisted.
type Info struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Icon          string            `json:"icon"`
	AuthType      core.AuthType     `json:"auth_type"`
	Domains       []core.Domain     `json:"domains"`
	Capabilities  []core.SignalType `json:"capabilities"`
	Schedule      SyncSchedule      `json:"schedule"`
	MultiInstance bool              `json:"multi_instance"`
}

// Provider is the contract every data source implements.
//
// Connect performs the auth handshake and must leave no partial credential
// state on failure. Disconnect revokes/clears locally stored credentials and
// is idempotent. Sync fetches data newer than since (or a provider-defined
// default window when since is nil) and must not fail on zero results.
type Provider interface {
	Info() Info
	IsConnected() bool
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Sync(ctx context.Context, since *time.Time) ([]core.Signal, error)
}

// AccountInfo disambiguates connected accounts of a multi-instance provider
// in UI and storage keys.
type AccountInfo struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// InstanceProvider is implemented in addition to Provider by providers that
// support multiple simultaneously connected accounts. The orchestrator
// routes all traffic for such providers through the instance methods; the
// base Provider methods operate on a provider-chosen default account.
type InstanceProvider interface {
	Provider

	// ConnectInstance authenticates a new account under the given instance
	// id and reports the account identity for state bookkeeping.
	ConnectInstance(ctx context.Context, instanceID string) (*AccountInfo, error)
	DisconnectInstance(ctx context.Context, instanceID string) error
	SyncInstance(ctx context.Context, instanceID string, since *time.Time) ([]core.Signal, error)

	// Instances lists the instance ids currently holding credentials.
	Instances() []string
}

// TokenRefresher is implemented by providers whose credentials can be
// refreshed without user interaction. The orchestrator invokes it exactly
// once when a sync fails with core.ErrAuthExpired.
type TokenRefresher interface {
	RefreshAuth(ctx context.Context, instanceID string) error
}
