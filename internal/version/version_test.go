package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"testing"

	"github.com/openmined/sealbox/internal/codec"
	"github.com/stretchr/testify/assert"
)

func resetVersion(t *testing.T, version, revision, buildDate string) {
	t.Helper()
	origVersion, origRevision, origBuildDate := Version, Revision, BuildDate
	t.Cleanup(func() {
		Version, Revision, BuildDate = origVersion, origRevision, origBuildDate
	})
	Version, Revision, BuildDate = version, revision, buildDate
}

func TestGet(t *testing.T) {
	resetVersion(t, "1.2.3", "abc123", "2025-01-02T03:04:05Z")

	info := Get()
	assert.Equal(t, "1.2.3", info.Version)
	assert.Equal(t, "abc123", info.Revision)
	assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, info.Platform)
	assert.Equal(t, codec.Name(), info.Codec)
}

func TestShortAndDetailed(t *testing.T) {
	resetVersion(t, "1.2.3", "abc123", "")

	assert.Equal(t, "1.2.3 (abc123)", Short())

	detailed := Detailed()
	assert.True(t, strings.HasPrefix(detailed, "1.2.3 (abc123; "+runtime.Version()+"; "), detailed)
	assert.Contains(t, detailed, codec.Name())
	assert.False(t, strings.HasSuffix(detailed, "; )"), detailed)

	BuildDate = "2025-01-02T03:04:05Z"
	assert.True(t, strings.HasSuffix(Detailed(), "; 2025-01-02T03:04:05Z)"), Detailed())
}

func TestFillFromBuild(t *testing.T) {
	resetVersion(t, devVersion, devRevision, "")

	fillFromBuild("v9.9.9", []debug.BuildSetting{
		{Key: "vcs.revision", Value: "abcdef1234567890"},
		{Key: "vcs.modified", Value: "true"},
		{Key: "vcs.time", Value: "2025-12-12T01:00:00Z"},
	})

	assert.Equal(t, "9.9.9", Version)
	assert.Equal(t, "abcdef1234567890-dirty", Revision)
	assert.Equal(t, "2025-12-12T01:00:00Z", BuildDate)
}

func TestFillFromBuild_KeepsLdflags(t *testing.T) {
	resetVersion(t, "1.2.3", "deadbeef", "from-ldflags")

	fillFromBuild("v9.9.9", []debug.BuildSetting{
		{Key: "vcs.revision", Value: "abcdef"},
		{Key: "vcs.time", Value: "2025-12-12T01:00:00Z"},
	})

	assert.Equal(t, "1.2.3", Version)
	assert.Equal(t, "deadbeef", Revision)
	assert.Equal(t, "from-ldflags", BuildDate)
}

func TestFillFromBuild_DevelModule(t *testing.T) {
	resetVersion(t, devVersion, devRevision, "")

	fillFromBuild("(devel)", nil)

	assert.Equal(t, devVersion, Version)
	assert.Equal(t, devRevision, Revision)
	assert.Empty(t, BuildDate)
}
