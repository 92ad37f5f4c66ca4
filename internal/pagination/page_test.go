package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	assert.Equal(t, Params{Page: 1, Limit: DefaultLimit}, Parse("", ""))
	assert.Equal(t, Params{Page: 3, Limit: 10}, Parse("3", "10"))
	assert.Equal(t, Params{Page: 1, Limit: MaxLimit}, Parse("-2", "5000"))
	assert.Equal(t, Params{Page: 1, Limit: DefaultLimit}, Parse("x", "y"))
}

func TestOffsetAndMeta(t *testing.T) {
	p := Params{Page: 2, Limit: 10}
	assert.Equal(t, 10, p.Offset())
	assert.Equal(t, Meta{Page: 2, Limit: 10, Total: 25, HasMore: true}, p.MetaFor(25))
	assert.False(t, p.MetaFor(20).HasMore)
}

func TestWindow(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	assert.Equal(t, []int{3, 4}, Window(items, Params{Page: 2, Limit: 2}))
	assert.Equal(t, []int{5}, Window(items, Params{Page: 3, Limit: 2}))
	assert.Nil(t, Window(items, Params{Page: 4, Limit: 2}))
}
