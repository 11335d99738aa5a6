package cgroup

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mydocker/runtime/internal/errkind"
)

func TestParseMemLimit(t *testing.T) {
	bytes, err := ParseMemLimit("64MB")
	require.NoError(t, err)
	assert.Equal(t, int64(64*1024*1024), bytes)
}

func TestParseMemLimitEmptyIsUnset(t *testing.T) {
	bytes, err := ParseMemLimit("")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bytes)
}

func TestParseMemLimitRejectsGarbage(t *testing.T) {
	_, err := ParseMemLimit("not-a-size")
	assert.True(t, errors.Is(err, errkind.Config))
}

func TestCPUMaxEncoding(t *testing.T) {
	// 50% of one period (100000us) is a 50000us quota, per spec.md §6.
	limits := Limits{CPUPercent: 50}
	quota := limits.CPUPercent * 1000
	assert.Equal(t, 50000, quota)
	assert.Equal(t, 100000, cpuPeriodMicros)
}
