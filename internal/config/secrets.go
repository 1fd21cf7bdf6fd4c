package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/viper"
)

const (
	// DefaultSecretsPath is where the SNMP community is read from
	DefaultSecretsPath = "/opt/secrets.toml"
	// EnvPrefix prefixes environment overrides, e.g. RRDPOLL_SNMP_COMMUNITY
	EnvPrefix = "RRDPOLL"
	// DefaultCommunity is used only when explicitly allowed
	DefaultCommunity = "public"

	communityKey = "SNMP_COMMUNITY"
)

// LoadSecrets returns the SNMP community from the environment or the
// secrets file, in that order. A missing file is not an error when the
// environment provides the value or allowDefault is set.
func LoadSecrets(path string, allowDefault bool) (string, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", &ConfigError{Source: path, Err: fmt.Errorf("failed to read secrets: %w", err)}
	}

	if community := v.GetString(communityKey); community != "" {
		return community, nil
	}
	if allowDefault {
		return DefaultCommunity, nil
	}
	return "", configErrorf(path, "%s not set (file key or %s_%s environment variable)", communityKey, EnvPrefix, communityKey)
}
