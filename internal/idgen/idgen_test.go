package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeBase36PadsAndTruncates(t *testing.T) {
	short := EncodeBase36([]byte{0x00}, 4)
	assert.Equal(t, "0000", short)

	long := EncodeBase36([]byte{0xff, 0xff, 0xff, 0xff}, 2)
	assert.Len(t, long, 2)
	for _, r := range long {
		assert.True(t, strings.ContainsRune(base36Alphabet, r))
	}
}

func TestNewTaskIDFormatAndUniqueness(t *testing.T) {
	a := NewTaskID("upsertion")
	b := NewTaskID("upsertion")

	require.True(t, strings.HasPrefix(a, "task-"))
	require.True(t, strings.HasPrefix(b, "task-"))
	assert.NotEqual(t, a, b)
	assert.Len(t, a, len("task-")+8)
}

func TestNewBrokerIDUnique(t *testing.T) {
	a := NewBrokerID()
	b := NewBrokerID()
	assert.NotEqual(t, a, b)
	assert.NotEmpty(t, a)
}

func TestModelLockNameDeterministic(t *testing.T) {
	a := ModelLockName("model-123")
	b := ModelLockName("model-123")
	c := ModelLockName("model-456")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasSuffix(a, ".lock"))
}

func TestCollectionTableNamesDeterministicAndDistinct(t *testing.T) {
	obj1, part1 := CollectionTableNames("col-abc")
	obj2, part2 := CollectionTableNames("col-abc")
	obj3, _ := CollectionTableNames("col-xyz")

	assert.Equal(t, obj1, obj2)
	assert.Equal(t, part1, part2)
	assert.NotEqual(t, obj1, part1)
	assert.NotEqual(t, obj1, obj3)
	assert.True(t, strings.HasPrefix(obj1, "obj_"))
	assert.True(t, strings.HasPrefix(part1, "part_"))
}
