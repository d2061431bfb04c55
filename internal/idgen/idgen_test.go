package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("esc_")
	assert.True(t, strings.HasPrefix(id, "esc_"))
	assert.Len(t, id, len("esc_")+32)
	assert.True(t, Valid("esc_", id))
	assert.False(t, Valid("stk_", id))
}

func TestWithPrefix_Unique(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := WithPrefix("x_")
		_, dup := seen[id]
		assert.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}

func TestValid_RejectsGarbage(t *testing.T) {
	assert.False(t, Valid("esc_", "esc_nothex"))
	assert.False(t, Valid("esc_", ""))
	assert.True(t, len(New()) == 36)
}
