package model

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// Block is one cross-attention layer: enemy attention, enemy FFN,
// friend attention, friend FFN, each with a residual connection.
// Both sides share the block's weights.
type Block struct {
	EnemyAttention    *Attention
	EnemyFeedForward  *FeedForward
	FriendAttention   *Attention
	FriendFeedForward *FeedForward
}

func newBlock(b *builder, index, dim, heads int, dropout float64) Block {
	var name = fmt.Sprintf("blocks.%d", index)
	return Block{
		EnemyAttention:    newAttention(b, name+".enemyAttention", dim, heads, dropout),
		EnemyFeedForward:  newFeedForward(b, name+".enemyFeedForward", dim, 2*dim, dim, dropout),
		FriendAttention:   newAttention(b, name+".friendAttention", dim, heads, dropout),
		FriendFeedForward: newFeedForward(b, name+".friendFeedForward", dim, 2*dim, dim, dropout),
	}
}

func (blk *Block) initDefault(rnd *rand.Rand) {
	blk.EnemyAttention.initDefault(rnd)
	blk.EnemyFeedForward.initDefault(rnd)
	blk.FriendAttention.initDefault(rnd)
	blk.FriendFeedForward.initDefault(rnd)
}

func (blk *Block) Forward(x *mat.Dense, masks *attentionMasks, rnd *rand.Rand) *mat.Dense {
	x = addDense(x, blk.EnemyAttention.Forward(x, masks.enemy, rnd))
	x = addDense(x, blk.EnemyFeedForward.Forward(x, rnd))
	x = addDense(x, blk.FriendAttention.Forward(x, masks.friend, rnd))
	x = addDense(x, blk.FriendFeedForward.Forward(x, rnd))
	return x
}

func (blk *Block) Backward(dy *mat.Dense) *mat.Dense {
	dy = addDense(dy, blk.FriendFeedForward.Backward(dy))
	dy = addDense(dy, blk.FriendAttention.Backward(dy))
	dy = addDense(dy, blk.EnemyFeedForward.Backward(dy))
	dy = addDense(dy, blk.EnemyAttention.Backward(dy))
	return dy
}

// attentionMasks lists which slot may attend to which.
// Rows [0,TopK) are the left side, [TopK,2*TopK) the right side.
type attentionMasks struct {
	enemy  [][]bool
	friend [][]bool
}

func newAttentionMasks(sides [2]Selection) *attentionMasks {
	const n = 2 * TopK
	var m = &attentionMasks{
		enemy:  make([][]bool, n),
		friend: make([][]bool, n),
	}
	for i := 0; i < n; i++ {
		m.enemy[i] = make([]bool, n)
		m.friend[i] = make([]bool, n)
		for j := 0; j < n; j++ {
			var valid = sides[j/TopK].Mask[j%TopK]
			if i/TopK == j/TopK {
				m.friend[i][j] = valid
			} else {
				m.enemy[i][j] = valid
			}
		}
	}
	return m
}
