package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStrings(t *testing.T) {
	oldV, oldSHA, oldBuilt := Version, GitSHA, BuildTime
	t.Cleanup(func() { Version, GitSHA, BuildTime = oldV, oldSHA, oldBuilt })

	Version, GitSHA, BuildTime = "1.4.0", "0123456789abcdef", "2026-03-01T12:00:00Z"
	assert.Equal(t, "posefusion 1.4.0 (0123456789abcdef, built 2026-03-01T12:00:00Z)", String())
	assert.Equal(t, "1.4.0-0123456", Short())

	GitSHA = "abc"
	assert.Equal(t, "1.4.0-abc", Short())
}
