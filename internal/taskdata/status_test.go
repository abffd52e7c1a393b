package taskdata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindCompareReflexive(t *testing.T) {
	for _, k := range []Kind{Pending, Success, Error, Canceled} {
		assert.Equal(t, 0, k.Compare(k), "%v should compare Equal to itself", k)
	}
}

func TestKindCompareTotalOrder(t *testing.T) {
	// Error > Pending > Canceled > Success
	assert.Equal(t, 1, Error.Compare(Pending))
	assert.Equal(t, 1, Pending.Compare(Canceled))
	assert.Equal(t, 1, Canceled.Compare(Success))
	assert.Equal(t, -1, Success.Compare(Canceled))
	assert.Equal(t, -1, Canceled.Compare(Pending))
	assert.Equal(t, -1, Pending.Compare(Error))
}

func TestMax(t *testing.T) {
	assert.Equal(t, Error, Max(Error, Success))
	assert.Equal(t, Error, Max(Success, Error))
	assert.Equal(t, Pending, Max(Pending, Canceled))
	assert.Equal(t, Success, Max(Success, Success))
}

func TestTerminalAndCanceledBeforeStart(t *testing.T) {
	start := time.Unix(100, 0)
	finish := time.Unix(200, 0)
	term := Terminal(Error, start, finish)
	assert.Equal(t, Error, term.Kind)
	require.NotNil(t, term.Start)
	require.NotNil(t, term.Finish)
	assert.Equal(t, start, *term.Start)
	assert.Equal(t, finish, *term.Finish)

	status := CanceledBeforeStart()
	assert.Equal(t, Canceled, status.Kind)
	assert.Nil(t, status.Start)
	assert.Nil(t, status.Finish)
}
