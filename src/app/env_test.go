package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadEnvDefaults(t *testing.T) {
	t.Setenv("LOGDIR", "/tmp/wal")
	t.Setenv("ARCHDIR", "/tmp/archive")

	env := mustLoadEnv()

	assert.Equal(t, EnvDev, env.Environment)
	assert.Equal(t, "/tmp/wal", env.Logdir)
	assert.Equal(t, "/tmp/archive", env.Archdir)
	assert.EqualValues(t, 1<<30, env.PartitionSize)
	assert.EqualValues(t, 1<<20, env.BlockSize)
	assert.Equal(t, 20, env.MaxOpenFiles)
	assert.False(t, env.Reformat)
	assert.False(t, env.DeleteOldPartitions)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("LOGDIR", "/data/wal")
	t.Setenv("ARCHDIR", "/data/archive")
	t.Setenv("ENVIRONMENT", "prod")
	t.Setenv("PARTITION_SIZE", "8388608")
	t.Setenv("BLOCK_SIZE", "65536")
	t.Setenv("REFORMAT", "true")
	t.Setenv("MAX_OPEN_FILES", "5")

	env := mustLoadEnv()

	assert.Equal(t, EnvProd, env.Environment)
	assert.EqualValues(t, 8388608, env.PartitionSize)
	assert.EqualValues(t, 65536, env.BlockSize)
	assert.True(t, env.Reformat)
	assert.Equal(t, 5, env.MaxOpenFiles)
}
