// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package checkpoint persists durable snapshots of session state keyed by
// (session_id, step, kind). TRANSACTION checkpoints bracket risky
// operations; MILESTONE checkpoints mark completed work.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/kadirpekel/strata/pkg/session"
)

// Kind distinguishes transactional from milestone snapshots.
type Kind string

const (
	KindTransaction Kind = "TRANSACTION"
	KindMilestone   Kind = "MILESTONE"
)

// ErrNotFound is returned when no checkpoint exists for a query.
var ErrNotFound = errors.New("checkpoint not found")

// Checkpoint is one stored snapshot.
type Checkpoint struct {
	ID        int64
	SessionID string
	Step      int
	Kind      Kind
	Label     string
	CreatedAt time.Time
	State     []byte
}

// Restore deserializes the snapshot's session state.
func (c *Checkpoint) Restore() (*session.State, error) {
	return session.Deserialize(c.State)
}

// Store is the durable checkpoint API. Mutations are transactional;
// concurrent reads are safe.
type Store interface {
	// Save serializes the state and upserts it at (session, step, kind).
	Save(ctx context.Context, state *session.State, kind Kind, label string) (int64, error)

	// Load returns the checkpoint at the given step, preferring the most
	// recently written kind when both exist.
	Load(ctx context.Context, sessionID string, step int) (*Checkpoint, error)

	// LoadLatest returns the highest-step checkpoint for the session.
	LoadLatest(ctx context.Context, sessionID string) (*Checkpoint, error)

	// List returns all checkpoints for the session, step ascending.
	List(ctx context.Context, sessionID string) ([]*Checkpoint, error)

	// Rollback loads the checkpoint at step and atomically deletes every
	// checkpoint with a higher step. Returns the restored state.
	Rollback(ctx context.Context, sessionID string, step int) (*session.State, error)

	// DeleteSession removes all checkpoints for the session.
	DeleteSession(ctx context.Context, sessionID string) error

	// Sessions lists distinct session ids present in the store.
	Sessions(ctx context.Context) ([]string, error)

	Close() error
}
