package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScoreCompletions(t *testing.T) {
	types := []string{"add", "echo", "info", "ping"}
	assert.Equal(t, types, ScoreCompletions("", types, 2))
	assert.Equal(t, []string{"echo"}, ScoreCompletions("ec", types, 0))
	assert.Nil(t, ScoreCompletions("xyz", types, 5))
	assert.Len(t, ScoreCompletions("i", types, 1), 1)
}
