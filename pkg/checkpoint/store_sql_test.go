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

package checkpoint_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/strata/pkg/checkpoint"
	"github.com/kadirpekel/strata/pkg/config"
	"github.com/kadirpekel/strata/pkg/session"
)

func newTestStore(t *testing.T) *checkpoint.SQLStore {
	t.Helper()
	store, err := checkpoint.NewSQLStore(&config.CheckpointConfig{
		Driver: "sqlite3",
		DSN:    filepath.Join(t.TempDir(), "checkpoints.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func stateAtStep(t *testing.T, id string, step int) *session.State {
	t.Helper()
	s := session.New("test", "worker")
	s.SessionID = id
	s.Step = step
	s.AddMessage(session.RoleUser, "msg at step", nil)
	return s
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	s := stateAtStep(t, "s1", 1)
	s.Entities["key"] = "value"
	_, err := store.Save(ctx, s, checkpoint.KindTransaction, "before tool call")
	require.NoError(t, err)

	cp, err := store.Load(ctx, "s1", 1)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.KindTransaction, cp.Kind)
	assert.Equal(t, "before tool call", cp.Label)

	restored, err := cp.Restore()
	require.NoError(t, err)
	assert.Equal(t, "s1", restored.SessionID)
	assert.Equal(t, 1, restored.Step)
	assert.Equal(t, "value", restored.Entities["key"])
}

func TestSaveReplacesOnSameKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	s := stateAtStep(t, "s1", 1)
	_, err := store.Save(ctx, s, checkpoint.KindMilestone, "first")
	require.NoError(t, err)

	s.Entities["revised"] = true
	_, err = store.Save(ctx, s, checkpoint.KindMilestone, "second")
	require.NoError(t, err)

	cps, err := store.List(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, "second", cps[0].Label)

	restored, err := cps[0].Restore()
	require.NoError(t, err)
	assert.Equal(t, true, restored.Entities["revised"])
}

func TestLoadLatestAndNotFound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.LoadLatest(ctx, "missing")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)

	for step := 1; step <= 3; step++ {
		_, err := store.Save(ctx, stateAtStep(t, "s1", step), checkpoint.KindTransaction, "")
		require.NoError(t, err)
	}

	cp, err := store.LoadLatest(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 3, cp.Step)

	_, err = store.Load(ctx, "s1", 9)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestRollbackDeletesAboveTarget(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for step := 1; step <= 5; step++ {
		_, err := store.Save(ctx, stateAtStep(t, "s1", step), checkpoint.KindTransaction, "")
		require.NoError(t, err)
	}

	restored, err := store.Rollback(ctx, "s1", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, restored.Step)

	cps, err := store.List(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, cps, 2)
	for _, cp := range cps {
		assert.LessOrEqual(t, cp.Step, 2)
	}

	latest, err := store.LoadLatest(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Step)
}

func TestRollbackMissingStep(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Save(ctx, stateAtStep(t, "s1", 1), checkpoint.KindTransaction, "")
	require.NoError(t, err)

	_, err = store.Rollback(ctx, "s1", 7)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)

	// Nothing was deleted.
	cps, err := store.List(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, cps, 1)
}

func TestDeleteSessionAndSessions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Save(ctx, stateAtStep(t, "a", 1), checkpoint.KindMilestone, "")
	require.NoError(t, err)
	_, err = store.Save(ctx, stateAtStep(t, "b", 1), checkpoint.KindMilestone, "")
	require.NoError(t, err)

	ids, err := store.Sessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	require.NoError(t, store.DeleteSession(ctx, "a"))

	ids, err = store.Sessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)

	_, err = store.LoadLatest(ctx, "a")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestBothKindsAtSameStep(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	s := stateAtStep(t, "s1", 1)
	_, err := store.Save(ctx, s, checkpoint.KindTransaction, "tx")
	require.NoError(t, err)
	_, err = store.Save(ctx, s, checkpoint.KindMilestone, "ms")
	require.NoError(t, err)

	cps, err := store.List(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, cps, 2)

	// Load prefers the most recently written row.
	cp, err := store.Load(ctx, "s1", 1)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.KindMilestone, cp.Kind)
}
