package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	out := String()
	assert.Contains(t, out, "version: "+Version)
	assert.Contains(t, out, "commit: "+Commit)
	assert.Contains(t, out, "go: go")
}

func TestUserAgent(t *testing.T) {
	assert.Equal(t, "pricepulse/"+Version, UserAgent())
}
