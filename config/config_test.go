package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadrun/threadrun/config"
)

func TestParseOverrides(t *testing.T) {
	overrides, err := config.ParseOverrides("sandbox.network=true, model.temperature=0.2,profile=default")
	require.NoError(t, err)
	require.Len(t, overrides, 3)
	assert.Equal(t, config.Override{Path: "sandbox.network", Value: "true"}, overrides[0])
	assert.Equal(t, config.Override{Path: "model.temperature", Value: "0.2"}, overrides[1])
	assert.Equal(t, config.Override{Path: "profile", Value: "default"}, overrides[2])
}

func TestParseOverridesRejectsMissingEquals(t *testing.T) {
	_, err := config.ParseOverrides("not-a-pair")
	assert.Error(t, err)
}

func TestParseOverridesEmpty(t *testing.T) {
	overrides, err := config.ParseOverrides("")
	require.NoError(t, err)
	assert.Nil(t, overrides)
}

func TestCoerceScalar(t *testing.T) {
	assert.Equal(t, true, config.CoerceScalar("true"))
	assert.Equal(t, int64(42), config.CoerceScalar("42"))
	assert.Equal(t, 0.2, config.CoerceScalar("0.2"))
	assert.Equal(t, "default", config.CoerceScalar("default"))
}

func TestEncodeScalar(t *testing.T) {
	lit, err := config.EncodeScalar(true)
	require.NoError(t, err)
	assert.Equal(t, "true", lit)

	lit, err = config.EncodeScalar("default")
	require.NoError(t, err)
	assert.Equal(t, `"default"`, lit)
}

func TestBuildFlags(t *testing.T) {
	overrides, err := config.ParseOverrides("sandbox.network=true,profile=ci")
	require.NoError(t, err)
	flags := config.BuildFlags(overrides)
	assert.Equal(t, []string{"--config", "sandbox.network=true", "--config", "profile=\"ci\""}, flags)
}

func TestFlattenNestedMap(t *testing.T) {
	overrides := config.Flatten(map[string]any{"model": map[string]any{"personality": "friendly"}})
	require.Len(t, overrides, 1)
	assert.Equal(t, "model.personality", overrides[0].Path)
	assert.Equal(t, "friendly", overrides[0].Value)
}

func TestUnflattenAndGet(t *testing.T) {
	overrides, err := config.ParseOverrides("sandbox.network=true,profile=ci")
	require.NoError(t, err)
	doc, err := config.Unflatten(overrides)
	require.NoError(t, err)

	assert.True(t, config.Get(doc, "sandbox.network").Bool())
	assert.Equal(t, "ci", config.Get(doc, "profile").String())
}
