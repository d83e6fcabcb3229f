package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToggleReactionAddAndCancel(t *testing.T) {
	m := ReactionMap{}

	m = ToggleReaction(m, 7, "love")
	assert.True(t, m.Has(7, "love"))
	assert.Equal(t, 1, m.Count("love"))

	// 重选同类型等价于取消
	m = ToggleReaction(m, 7, "love")
	assert.False(t, m.Has(7, "love"))
	assert.Equal(t, 0, m.Count("love"))
	assert.Empty(t, m.KindOf(7))
}

func TestToggleReactionExclusive(t *testing.T) {
	m := ReactionMap{"like": {7, 8}}

	m = ToggleReaction(m, 7, "love")

	assert.Equal(t, "love", m.KindOf(7))
	assert.False(t, m.Has(7, "like"))
	assert.True(t, m.Has(8, "like"))
}

func TestToggleReactionPure(t *testing.T) {
	src := ReactionMap{"like": {7}}

	out := ToggleReaction(src, 7, "love")

	// 入参不被修改
	assert.True(t, src.Has(7, "like"))
	assert.False(t, src.Has(7, "love"))
	assert.Equal(t, "love", out.KindOf(7))
}

func TestToggleReactionInvariant(t *testing.T) {
	m := ReactionMap{}
	kinds := []string{"like", "love", "laugh", "love", "like", "like"}
	for _, k := range kinds {
		m = ToggleReaction(m, 42, k)
		// 不变量：同一用户至多出现在一个类型集合中
		seen := 0
		for kind := range m {
			if m.Has(42, kind) {
				seen++
			}
		}
		assert.LessOrEqual(t, seen, 1)
	}
}

func TestToggleReactionNilMap(t *testing.T) {
	var m ReactionMap
	out := ToggleReaction(m, 1, "fire")
	assert.True(t, out.Has(1, "fire"))
}
