package generic

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResetPoolClearsOnPut(t *testing.T) {
	p := NewResetPool(
		func() *bytes.Buffer { return new(bytes.Buffer) },
		func(b *bytes.Buffer) { b.Reset() },
	)
	b := p.Get()
	b.WriteString("payload")
	p.Put(b)

	assert.Zero(t, b.Len())
	assert.Zero(t, p.Get().Len())
}

func TestHotPoolServesValues(t *testing.T) {
	created := 0
	p := NewHotPool(func() int { created++; return created }, 3)
	assert.Equal(t, 3, created)
	assert.NotZero(t, p.Get())
}
