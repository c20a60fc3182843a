package config

import "sync/atomic"

// Ref is a concurrency-safe holder for the live configuration, letting a
// SIGHUP reload (daemon.Daemon.reload) swap the document every long-lived
// component reads from without restarting them.
type Ref struct {
	v atomic.Pointer[Config]
}

// NewRef wraps cfg in a Ref.
func NewRef(cfg *Config) *Ref {
	r := &Ref{}
	r.v.Store(cfg)
	return r
}

// Load returns the current configuration.
func (r *Ref) Load() *Config {
	return r.v.Load()
}

// Store swaps in a new configuration, effective for every subsequent
// Load.
func (r *Ref) Store(cfg *Config) {
	r.v.Store(cfg)
}
