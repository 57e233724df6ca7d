package storage

import "github.com/meridian-hq/meridian/internal/core"

// Gateway bundles the plugin-state and signal stores behind the narrow
// read/write surface the orchestrator consumes.
type Gateway struct {
	states  *PluginStateStore
	signals *SignalStore
}

// NewGateway creates a gateway over an open database.
func NewGateway(db *DB) *Gateway {
	return &Gateway{
		states:  NewPluginStateStore(db),
		signals: NewSignalStore(db),
	}
}

// States exposes the underlying plugin-state store.
func (g *Gateway) States() *PluginStateStore { return g.states }

// Signals exposes the underlying signal store.
func (g *Gateway) Signals() *SignalStore { return g.signals }

func (g *Gateway) SetPluginState(st *core.PluginState) error {
	return g.states.Set(st)
}

func (g *Gateway) DeletePluginState(key core.Key) error {
	return g.states.Delete(key)
}

func (g *Gateway) GetAllPluginStates() ([]*core.PluginState, error) {
	return g.states.GetAll()
}

func (g *Gateway) AddSignals(signals []core.Signal) error {
	return g.signals.AddBatch(signals)
}
