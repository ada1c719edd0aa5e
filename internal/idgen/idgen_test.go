package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrdered_SortsByCreation(t *testing.T) {
	a := Ordered()
	b := Ordered()
	id, err := uuid.Parse(a)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), id.Version())
	assert.LessOrEqual(t, a[:13], b[:13], "millisecond timestamp prefix is monotone")
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("build_")
	assert.True(t, strings.HasPrefix(id, "build_"))
	assert.Len(t, id, len("build_")+32)
	assert.NotContains(t, id, "-")
	assert.NotEqual(t, id, WithPrefix("build_"))
}

func TestHex(t *testing.T) {
	assert.Len(t, Hex(8), 16)
}
