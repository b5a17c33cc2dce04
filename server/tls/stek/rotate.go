// Package stek rotates the session ticket encryption keys of the simulator's
// QUIC listener so clients can resume sessions across key changes.
package stek

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Rotator keeps a window of session ticket keys. The first key encrypts new
// tickets; every key in the window still decrypts.
type Rotator struct {
	keys     atomic.Pointer[[][32]byte]
	interval time.Duration
	overlap  int
	logger   zerolog.Logger
}

// New creates a rotator holding overlap freshly generated keys.
func New(interval time.Duration, overlap uint8, logger zerolog.Logger) (*Rotator, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("rotation interval must be positive, got %v", interval)
	}
	if overlap < 1 {
		return nil, fmt.Errorf("overlap must be at least 1, got %d", overlap)
	}

	r := &Rotator{
		interval: interval,
		overlap:  int(overlap),
		logger:   logger.With().Str("com", "stek").Logger(),
	}
	keys := make([][32]byte, overlap)
	for i := range keys {
		if _, err := rand.Read(keys[i][:]); err != nil {
			return nil, fmt.Errorf("generate initial key %d: %w", i, err)
		}
	}
	r.keys.Store(&keys)
	return r, nil
}

// Keys returns the current key window, newest first.
func (r *Rotator) Keys() [][32]byte {
	return *r.keys.Load()
}

// Rotate prepends a new key and drops the oldest beyond the overlap.
func (r *Rotator) Rotate() error {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return fmt.Errorf("generate session ticket key: %w", err)
	}

	current := r.Keys()
	next := make([][32]byte, min(len(current)+1, r.overlap))
	next[0] = key
	copy(next[1:], current)
	r.keys.Store(&next)

	r.logger.Debug().Int("keys", len(next)).Msg("rotated session ticket keys")
	return nil
}

// Configure installs the current keys on conf and refreshes them for every
// handshake.
func (r *Rotator) Configure(conf *tls.Config) {
	conf.SetSessionTicketKeys(r.Keys())
	conf.GetConfigForClient = func(*tls.ClientHelloInfo) (*tls.Config, error) {
		c := conf.Clone()
		c.GetConfigForClient = nil
		c.SetSessionTicketKeys(r.Keys())
		return c, nil
	}
}

// Run rotates the keys every interval until ctx is done.
func (r *Rotator) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().
		Dur("interval", r.interval).
		Int("overlap", r.overlap).
		Msg("session ticket key rotation started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Rotate(); err != nil {
				r.logger.Error().Err(err).Msg("failed to rotate session ticket keys")
			}
		}
	}
}
