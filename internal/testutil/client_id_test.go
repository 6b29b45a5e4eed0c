package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFixedClientID(t *testing.T) {
	gen := NewFixedClientID("client-1")
	assert.Equal(t, "client-1", gen.Generate())
	assert.Equal(t, "client-1", gen.Generate())

	assert.Equal(t, "test-client", NewFixedClientID("").Generate())
}
