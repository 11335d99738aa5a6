package errkind

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(Network))
	assert.Equal(t, 1, ExitCode(Cgroup))
	assert.Equal(t, 2, ExitCode(ExecNotFound))
	assert.Equal(t, 2, ExitCode(fmt.Errorf("wrapped: %w", ExecNotFound)))
}

func TestSentinelsDistinct(t *testing.T) {
	all := []error{Config, Network, Auth, Integrity, Filesystem, Namespace, Cgroup, ExecNotFound}
	for i, a := range all {
		for j, b := range all {
			if i == j {
				continue
			}
			assert.False(t, errors.Is(a, b), "%v should not match %v", a, b)
		}
	}
}
