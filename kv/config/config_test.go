package config

import (
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	require.NoError(t, NewDefaultConfig().Validate())
	require.NoError(t, NewTestConfig().Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	c := NewDefaultConfig()
	c.MaxActiveTransactions = 0
	assert.Error(t, c.Validate())

	c = NewDefaultConfig()
	c.DeadlockDetectionInterval = 0
	assert.Error(t, c.Validate())

	c = NewDefaultConfig()
	c.PerformanceWindowSize = 0
	assert.Error(t, c.Validate())

	c = NewDefaultConfig()
	c.MaxRetries = -1
	assert.Error(t, c.Validate())
}

func TestFromFile(t *testing.T) {
	f, err := ioutil.TempFile("", "unitxn-config-*.toml")
	require.NoError(t, err)
	defer os.Remove(f.Name())
	_, err = f.WriteString(`
MaxActiveTransactions = 42
TransactionTimeout = 5000000000
EnableAdaptiveConcurrency = false
`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	c, err := FromFile(f.Name())
	require.NoError(t, err)
	assert.Equal(t, 42, c.MaxActiveTransactions)
	assert.Equal(t, 5*time.Second, c.TransactionTimeout)
	assert.False(t, c.EnableAdaptiveConcurrency)
	// Untouched fields keep their defaults.
	assert.Equal(t, SnapshotIsolation, c.DefaultIsolationLevel)
}

func TestEnumStrings(t *testing.T) {
	assert.Equal(t, "snapshot-isolation", SnapshotIsolation.String())
	assert.Equal(t, "mvcc", MVCC.String())
	assert.Equal(t, "youngest", YoungestTransaction.String())
	assert.Equal(t, "2pc", TwoPhaseCommit.String())
}
