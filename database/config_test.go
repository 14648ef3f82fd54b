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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTxType(t *testing.T) {
	cases := map[string]TxType{
		"none":         TxNone,
		"NOTX":         TxNone,
		"optimistic":   TxOptimistic,
		"":             TxOptimistic,
		" Pessimistic": TxPessimistic,
		"serializable": TxPessimistic,
	}
	for in, want := range cases {
		got, err := ParseTxType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseTxType("eventual")
	assert.Error(t, err)
	assert.Equal(t, "unknown", TxType(9).Name())
	assert.Nil(t, TxNone.TxOptions(DriverPostgres))
}

func TestNewConfigDefaults(t *testing.T) {
	cfg, err := NewConfig("main", "sqlite:///tmp/x.db", "sa", "sa", []string{"app.model"})
	require.NoError(t, err)

	assert.Equal(t, TxOptimistic, cfg.TxType())
	assert.True(t, cfg.LazyLoad())
	min, max := cfg.PoolBounds()
	assert.Equal(t, 2, min)
	assert.Equal(t, 20, max)
	assert.Equal(t, DriverSQLite, cfg.Driver())
	assert.Equal(t, 30*time.Second, cfg.AcquireTimeout)
	assert.NotContains(t, cfg.String(), "sa:sa")
}

func TestNewConfigRequiredKeys(t *testing.T) {
	cases := []struct {
		name  string
		alias string
		url   string
		user  string
		pass  string
		field string
	}{
		{"missing alias", "", "sqlite:///x.db", "sa", "sa", "alias"},
		{"missing url", "main", "", "sa", "sa", "url"},
		{"bad scheme", "main", "oracle://host/db", "sa", "sa", "url"},
		{"missing user", "main", "sqlite:///x.db", "", "sa", "user"},
		{"missing pass", "main", "sqlite:///x.db", "sa", "", "pass"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewConfig(tc.alias, tc.url, tc.user, tc.pass, nil)
			var cfgErr *ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tc.field, cfgErr.Field)
		})
	}
}

func TestPoolBoundsValidation(t *testing.T) {
	_, err := NewConfig("main", "sqlite:///x.db", "sa", "sa", nil, WithPoolBounds(5, 2))
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)

	cfg, err := NewConfig("main", "sqlite:///x.db", "sa", "sa", nil)
	require.NoError(t, err)
	assert.Error(t, cfg.SetPoolBounds(0, 0))
	require.NoError(t, cfg.SetPoolBounds(1, 4))
	min, max := cfg.PoolBounds()
	assert.Equal(t, 1, min)
	assert.Equal(t, 4, max)
}

func TestDecodeConfigsYAML(t *testing.T) {
	data := []byte(`
repositories:
  main:
    url: sqlite:///var/lib/main.db
    user: sa
    pass: secret
    namespace: app.model, app.audit
    txtype: pessimistic
    autolazyloading: false
    poolmin: 1
    poolmax: 4
    acquiretimeout: 2s
  audit:
    url: postgres://db:5432/audit
    user: auditor
    pass: secret
`)
	configs, err := DecodeConfigs(data, "yaml")
	require.NoError(t, err)
	require.Len(t, configs, 2)

	assert.Equal(t, "audit", configs[0].Alias)
	assert.Equal(t, DriverPostgres, configs[0].Driver())

	main := configs[1]
	assert.Equal(t, "main", main.Alias)
	assert.Equal(t, []string{"app.model", "app.audit"}, main.Namespaces)
	assert.Equal(t, TxPessimistic, main.TxType())
	assert.False(t, main.LazyLoad())
	min, max := main.PoolBounds()
	assert.Equal(t, 1, min)
	assert.Equal(t, 4, max)
	assert.Equal(t, 2*time.Second, main.AcquireTimeout)
}

func TestDecodeConfigsTOML(t *testing.T) {
	data := []byte(`
[repositories.main]
url = "sqlite::memory:"
user = "sa"
pass = "sa"
txtype = "none"
slowquerytime = "500ms"
`)
	configs, err := DecodeConfigs(data, "toml")
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, TxNone, configs[0].TxType())
	assert.Equal(t, 500*time.Millisecond, configs[0].SlowQueryTime)
}

func TestDecodeConfigsRejectsBadValues(t *testing.T) {
	_, err := DecodeConfigs([]byte("repositories:\n  main:\n    url: sqlite::memory:\n    user: sa\n    pass: sa\n    txtype: eventual\n"), "yaml")
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "txtype", cfgErr.Field)

	_, err = DecodeConfigs([]byte("repositories:\n  main:\n    url: sqlite::memory:\n    user: sa\n"), "yaml")
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "pass", cfgErr.Field)

	_, err = DecodeConfigs([]byte("{}"), "ini")
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	assert.Equal(t, "CRUDPOOL_MY_DB_URL", EnvKey("my-db", "url"))

	t.Setenv(EnvKey("main", "pass"), "from-env")
	t.Setenv(EnvKey("main", "poolmax"), "7")

	dir := t.TempDir()
	path := filepath.Join(dir, "repos.yml")
	require.NoError(t, os.WriteFile(path, []byte("repositories:\n  main:\n    url: sqlite::memory:\n    user: sa\n"), 0o644))

	configs, err := LoadConfigs(path)
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, "from-env", configs[0].Password)
	_, max := configs[0].PoolBounds()
	assert.Equal(t, 7, max)
}
