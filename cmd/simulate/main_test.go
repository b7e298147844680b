package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIDs(t *testing.T) {
	ids, err := parseIDs(" 1, 7 ,42")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 7, 42}, ids)

	ids, err = parseIDs("")
	require.NoError(t, err)
	assert.Nil(t, ids)

	for _, bad := range []string{"1,,2", "x", "0", "-3"} {
		_, err := parseIDs(bad)
		assert.Error(t, err, bad)
	}
}

func TestOperationMetrics(t *testing.T) {
	var om OperationMetrics
	for i := 1; i <= 20; i++ {
		om.Record(time.Duration(i)*time.Millisecond, i == 1, i > 1 && i < 20)
	}

	assert.EqualValues(t, 20, om.Total)
	assert.EqualValues(t, 1, om.Success)
	assert.EqualValues(t, 18, om.Conflict)
	assert.EqualValues(t, 1, om.Error)

	avg, lo, hi, p50, p95 := om.Stats()
	assert.Equal(t, 10500*time.Microsecond, avg)
	assert.Equal(t, time.Millisecond, lo)
	assert.Equal(t, 20*time.Millisecond, hi)
	assert.Equal(t, 11*time.Millisecond, p50)
	assert.Equal(t, 20*time.Millisecond, p95)
}

func TestLoadConfig_NeedsIDsOrDatabase(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "")
	t.Setenv("SIM_DOCTOR_IDS", "")
	t.Setenv("SIM_PATIENT_IDS", "")
	_, err := loadConfig()
	assert.Error(t, err)

	t.Setenv("SIM_DOCTOR_IDS", "7")
	t.Setenv("SIM_PATIENT_IDS", "1,2")
	t.Setenv("SIM_WORKERS", "4")
	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Workers)
	assert.True(t, cfg.Start.After(time.Now()))
}
