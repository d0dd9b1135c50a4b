package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStrings(t *testing.T) {
	oldVersion, oldCommit := Version, GitCommit
	t.Cleanup(func() { Version, GitCommit = oldVersion, oldCommit })
	Version, GitCommit = "v1.2.0", "abc1234"

	assert.Equal(t, "v1.2.0 (abc1234)", String())
	assert.Contains(t, Full(), "datawallet v1.2.0 (abc1234)")
	assert.Equal(t, runtime.Version(), GetInfo().GoVersion)
}
