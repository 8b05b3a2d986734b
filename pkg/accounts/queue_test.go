package accounts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestQueueOrder(t *testing.T) {
	var q Queue[int]
	assert.Zero(t, q.Len())

	for i := 0; i < 100; i++ {
		q.Push(i)
	}
	for i := 0; i < 100; i++ {
		v, ok := q.Pop()
		assert.True(t, ok)
		assert.Equal(t, i, v)
	}

	_, ok := q.Pop()
	assert.False(t, ok)
	assert.Empty(t, q.PopAll())
}

// TestQueueMatchesSliceModel checks the queue against a plain slice under
// random interleavings of operations
func TestQueueMatchesSliceModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var q Queue[int]
		var model []int

		ops := rapid.SliceOfN(rapid.IntRange(0, 2), 1, 300).Draw(t, "ops")
		for i, op := range ops {
			switch op {
			case 0:
				q.Push(i)
				model = append(model, i)
			case 1:
				v, ok := q.Pop()
				if len(model) == 0 {
					if ok {
						t.Fatalf("pop on empty queue returned %d", v)
					}
					continue
				}
				if !ok || v != model[0] {
					t.Fatalf("pop got (%d, %v), want %d", v, ok, model[0])
				}
				model = model[1:]
			case 2:
				if q.Len() != len(model) {
					t.Fatalf("len %d, want %d", q.Len(), len(model))
				}
			}
		}

		rest := q.PopAll()
		if len(rest) != len(model) {
			t.Fatalf("PopAll returned %d items, want %d", len(rest), len(model))
		}
		for i := range rest {
			if rest[i] != model[i] {
				t.Fatalf("PopAll[%d] = %d, want %d", i, rest[i], model[i])
			}
		}
	})
}
