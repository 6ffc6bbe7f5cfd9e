package configs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/msgsearch/internal/config"
)

func TestConfigTemplate_MatchesDefaults(t *testing.T) {
	// Given: the built-in defaults
	want := config.NewConfig()

	// When: applying the template on top of them
	got := config.NewConfig()
	require.NoError(t, yaml.Unmarshal([]byte(ConfigTemplate), got))

	// Then: nothing changes and the result is valid
	assert.Equal(t, want, got)
	assert.NoError(t, got.Validate())
}
