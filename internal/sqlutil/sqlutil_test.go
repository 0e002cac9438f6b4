package sqlutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRebind(t *testing.T) {
	assert.Equal(t, "a = $1 AND b IN ($2,$3)", Rebind(true, "a = ? AND b IN (?,?)"))
	assert.Equal(t, "a = ?", Rebind(false, "a = ?"))
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "", Placeholders(0))
	assert.Equal(t, "?", Placeholders(1))
	assert.Equal(t, "?,?,?", Placeholders(3))
}
