package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsAndRequiredKey(t *testing.T) {
	_, err := Load(nil, nil)
	require.Error(t, err, "InterfacePrefix has no default and must be required")

	cfg, err := Load(map[string]string{"InterfacePrefix": "cali"}, nil)
	require.NoError(t, err)
	require.Equal(t, "cali", cfg.InterfacePrefix)
	require.Equal(t, "none", cfg.MetadataAddr)
	require.Equal(t, "", cfg.LogFilePath)
}

func TestLoad_PerHostWinsOverGlobal(t *testing.T) {
	cfg, err := Load(
		map[string]string{"InterfacePrefix": "cali", "IpInIpEnabled": "false"},
		map[string]string{"IpInIpEnabled": "true"},
	)
	require.NoError(t, err)
	require.True(t, cfg.IPInIPEnabled)
}

func TestLoad_EnvironmentOverridesEverything(t *testing.T) {
	t.Setenv("FELIX_INTERFACEPREFIX", "tap")
	cfg, err := Load(map[string]string{"InterfacePrefix": "cali"}, nil)
	require.NoError(t, err)
	require.Equal(t, "tap", cfg.InterfacePrefix)
}

func TestLoad_HostnameDefaultsToOS(t *testing.T) {
	cfg, err := Load(map[string]string{"InterfacePrefix": "cali"}, nil)
	require.NoError(t, err)

	osHost, err := os.Hostname()
	require.NoError(t, err)
	require.Equal(t, osHost, cfg.Hostname)
}

func TestLoad_RejectsInvalidMetadataPort(t *testing.T) {
	_, err := Load(map[string]string{"InterfacePrefix": "cali", "MetadataPort": "0"}, nil)
	require.Error(t, err)
}

func TestConfig_Equal(t *testing.T) {
	a, err := Load(map[string]string{"InterfacePrefix": "cali"}, nil)
	require.NoError(t, err)
	b, err := Load(map[string]string{"InterfacePrefix": "cali"}, nil)
	require.NoError(t, err)
	require.True(t, a.Equal(b))

	c, err := Load(map[string]string{"InterfacePrefix": "tap"}, nil)
	require.NoError(t, err)
	require.False(t, a.Equal(c))
}
