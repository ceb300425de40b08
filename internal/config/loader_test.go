package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testYAML = `
http:
  listen_addr: ":8080"
backend:
  base_url: "https://api.example.test/v1"
  token: "vault:secret/formgate#backend_token"
forms:
  dir: forms
  async_timeout: 5s
instances:
  idle_ttl: 15m
`

type fakeSecrets map[string]string

func (f fakeSecrets) GetKV(_ context.Context, path, key string, _ time.Duration) (string, error) {
	if v, ok := f[path+"#"+key]; ok {
		return v, nil
	}
	return "", errors.New("not found")
}

func writeRoot(t *testing.T, yaml string) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "conf"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "conf", "global.yaml"), []byte(yaml), 0o600))
	return root
}

func TestLoad(t *testing.T) {
	root := writeRoot(t, testYAML)
	t.Setenv("FORMGATE_BACKEND__BURST", "25")

	cfg, err := load(context.Background(), root, fakeSecrets{"secret/formgate#backend_token": "s3cret"})
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.ListenAddr)
	assert.Equal(t, "s3cret", cfg.Backend.Token)
	assert.Equal(t, 25, cfg.Backend.Burst)
	assert.Equal(t, "rest", cfg.Backend.UniqueVia)
	assert.Equal(t, 5*time.Second, cfg.Forms.AsyncTimeout)
	assert.Equal(t, 15*time.Minute, cfg.Instances.IdleTTL)
	assert.Equal(t, filepath.Join(root, "forms"), cfg.Forms.Dir)
	assert.Equal(t, filepath.Join(root, "logs"), cfg.Log.Dir)
	assert.Equal(t, 10*time.Second, cfg.HTTP.ReadTimeout)
	assert.Same(t, cfg, Get())
}

func TestLoad_SecretMissing(t *testing.T) {
	root := writeRoot(t, testYAML)
	_, err := load(context.Background(), root, fakeSecrets{})
	require.Error(t, err)
}

func TestLoad_ValidationFails(t *testing.T) {
	root := writeRoot(t, `
http:
  listen_addr: ":8080"
backend:
  base_url: "https://api.example.test"
  unique_via: sql
forms:
  dir: forms
`)
	_, err := load(context.Background(), root, fakeSecrets{})
	require.ErrorContains(t, err, "database.dsn")
}

func TestDatabase_ResolvedDSN(t *testing.T) {
	d := Database{DSN: "app:%s@tcp(db:3306)/inventory", Password: "pw"}
	assert.Equal(t, "app:pw@tcp(db:3306)/inventory", d.ResolvedDSN())
	d.DSN = "app@tcp(db:3306)/inventory"
	assert.Equal(t, d.DSN, d.ResolvedDSN())
}
