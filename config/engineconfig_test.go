package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEngineConfig_DefaultsWhenNoEnvSet(t *testing.T) {
	cfg := LoadEngineConfig("TESTENGINE_DEFAULTS")
	assert.Equal(t, 120000*time.Millisecond, cfg.LeaseTTL)
	assert.Equal(t, 30000*time.Millisecond, cfg.HeartbeatInterval)
	assert.Equal(t, 256, cfg.GlobalInflightCap)
	assert.Equal(t, 4, cfg.DefaultMaxConcurrency)
	assert.Equal(t, 30, cfg.RetentionDays)
	assert.Equal(t, "postgres://localhost:5432/workflow", cfg.DatabaseURL)
	assert.Equal(t, ":8090", cfg.HTTPAddr)
}

func TestLoadEngineConfig_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("TESTENGINE_OVERRIDE_LEASE_TTL_MS", "60000")
	t.Setenv("TESTENGINE_OVERRIDE_GLOBAL_INFLIGHT_CAP", "10")
	t.Setenv("TESTENGINE_OVERRIDE_DATABASE_URL", "postgres://db/custom")

	cfg := LoadEngineConfig("TESTENGINE_OVERRIDE")
	assert.Equal(t, 60000*time.Millisecond, cfg.LeaseTTL)
	assert.Equal(t, 10, cfg.GlobalInflightCap)
	assert.Equal(t, "postgres://db/custom", cfg.DatabaseURL)
}

func TestLoadEngineConfigFile_EmptyPathReturnsBaseUnchanged(t *testing.T) {
	base := LoadEngineConfig("TESTENGINE_FILE_EMPTY")
	out, err := LoadEngineConfigFile("", base)
	require.NoError(t, err)
	assert.Equal(t, base, out)
}

func TestLoadEngineConfigFile_OverridesOnlyKeysPresentInFile(t *testing.T) {
	base := LoadEngineConfig("TESTENGINE_FILE_PARTIAL")

	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	content := "globalInflightCap: 42\ns3Bucket: my-bucket\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	out, err := LoadEngineConfigFile(path, base)
	require.NoError(t, err)
	assert.Equal(t, 42, out.GlobalInflightCap)
	assert.Equal(t, "my-bucket", out.S3Bucket)
	assert.Equal(t, base.LeaseTTL, out.LeaseTTL, "a field absent from the file must keep its env-loaded value")
}

func TestLoadEngineConfigFile_MissingFileIsAnError(t *testing.T) {
	base := LoadEngineConfig("TESTENGINE_FILE_MISSING")
	_, err := LoadEngineConfigFile(filepath.Join(t.TempDir(), "does-not-exist.yaml"), base)
	assert.Error(t, err)
}

func TestEngineConfig_ValidateRejectsNonPositiveCaps(t *testing.T) {
	cfg := LoadEngineConfig("TESTENGINE_VALIDATE_CAPS")
	cfg.GlobalInflightCap = 0
	assert.Error(t, cfg.Validate())
}

func TestEngineConfig_ValidateRejectsLeaseTTLNotExceedingHeartbeat(t *testing.T) {
	cfg := LoadEngineConfig("TESTENGINE_VALIDATE_LEASE")
	cfg.LeaseTTL = cfg.HeartbeatInterval
	assert.Error(t, cfg.Validate())
}

func TestEngineConfig_ValidateRejectsEmptyDatabaseURL(t *testing.T) {
	cfg := LoadEngineConfig("TESTENGINE_VALIDATE_DB")
	cfg.DatabaseURL = ""
	assert.Error(t, cfg.Validate())
}

func TestEngineConfig_ValidatePassesWithDefaults(t *testing.T) {
	cfg := LoadEngineConfig("TESTENGINE_VALIDATE_OK")
	assert.NoError(t, cfg.Validate())
}
