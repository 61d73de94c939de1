package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolGetPut(t *testing.T) {
	p := New(func() *[]byte {
		b := make([]byte, 512)
		return &b
	})

	buf := p.Get()
	require.NotNil(t, buf)
	assert.Len(t, *buf, 512)
	p.Put(buf)

	again := p.Get()
	require.NotNil(t, again)
	assert.Len(t, *again, 512)
}
