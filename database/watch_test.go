/*
 * Copyright 2025 tomoncle.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchConfigAppliesKnobs(t *testing.T) {
	repo := newTestRepository(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "repos.yaml")
	write := func(txtype string) {
		content := "repositories:\n  unit:\n    url: " + repo.Config().URL +
			"\n    user: sa\n    pass: sa\n    txtype: " + txtype + "\n    poolmax: 5\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	write("optimistic")
	require.NoError(t, repo.WatchConfig(ctx, path))

	write("pessimistic")
	assert.Eventually(t, func() bool {
		_, max := repo.Config().PoolBounds()
		return repo.Config().TxType() == TxPessimistic && max == 5
	}, 5*time.Second, 50*time.Millisecond)
}

func TestWatchConfigOnDestroyedRepository(t *testing.T) {
	repo := newTestRepository(t)
	require.NoError(t, repo.Destroy(context.Background()))

	var closed *RepositoryClosedError
	assert.ErrorAs(t, repo.WatchConfig(context.Background(), filepath.Join(t.TempDir(), "x.yaml")), &closed)
}
