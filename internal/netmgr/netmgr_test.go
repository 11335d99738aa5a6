package netmgr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mydocker/runtime/internal/errkind"
)

func TestBridgeGateway(t *testing.T) {
	ip, err := bridgeGateway("172.20.0.1/24")
	require.NoError(t, err)
	assert.Equal(t, "172.20.0.1", ip.String())
}

func TestBridgeGatewayRejectsBadCIDR(t *testing.T) {
	_, err := bridgeGateway("not-a-cidr")
	assert.True(t, errors.Is(err, errkind.Config))
}

func TestBridgeSubnet(t *testing.T) {
	subnet, err := bridgeSubnet("172.20.0.1/24")
	require.NoError(t, err)
	assert.Equal(t, "172.20.0.0/24", subnet)
}

func TestBridgeSubnetRejectsBadCIDR(t *testing.T) {
	_, err := bridgeSubnet("garbage")
	assert.True(t, errors.Is(err, errkind.Config))
}
