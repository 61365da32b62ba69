package version

import (
	"encoding/json"
	"regexp"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersion_FollowsSemverOrDev(t *testing.T) {
	if Version == "dev" {
		return
	}
	semver := regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.]+)?$`)
	require.True(t, semver.MatchString(Version), "got %s", Version)
}

func TestString_NamesBinaryAndVersion(t *testing.T) {
	s := String()

	assert.Contains(t, s, "imgsift")
	assert.Contains(t, s, Version)
	assert.Contains(t, s, runtime.Version())
}

func TestShort(t *testing.T) {
	assert.Equal(t, Version, Short())
}

func TestGetInfo_MarshalsToJSON(t *testing.T) {
	// Given: build info for this binary
	info := GetInfo()

	// When: marshalled
	data, err := json.Marshal(info)
	require.NoError(t, err)

	// Then: platform fields are present
	var decoded map[string]string
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, runtime.GOOS, decoded["os"])
	assert.Equal(t, runtime.GOARCH, decoded["arch"])
	assert.Equal(t, Version, decoded["version"])
}
