package game

import (
	"testing"

	"yahtzee/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScoreFor(t *testing.T) {
	tests := []struct {
		name     string
		category domain.Category
		dice     []int
		want     int
	}{
		{"ones", domain.CategoryOnes, []int{1, 1, 2, 3, 1}, 3},
		{"sixes none", domain.CategorySixes, []int{1, 2, 3, 4, 5}, 0},
		{"three of a kind", domain.CategoryThreeOfAKind, []int{4, 4, 4, 2, 1}, 15},
		{"three of a kind missing", domain.CategoryThreeOfAKind, []int{4, 4, 3, 2, 1}, 0},
		{"four of a kind", domain.CategoryFourOfAKind, []int{6, 6, 6, 6, 1}, 25},
		{"full house", domain.CategoryFullHouse, []int{2, 2, 3, 3, 3}, 25},
		{"full house needs a pair", domain.CategoryFullHouse, []int{3, 3, 3, 3, 3}, 0},
		{"small straight", domain.CategorySmallStraight, []int{1, 2, 3, 4, 6}, 30},
		{"small straight with duplicate", domain.CategorySmallStraight, []int{3, 4, 5, 6, 3}, 30},
		{"large straight", domain.CategoryLargeStraight, []int{2, 3, 4, 5, 6}, 40},
		{"large straight missing", domain.CategoryLargeStraight, []int{1, 2, 3, 4, 6}, 0},
		{"yahtzee", domain.CategoryYahtzee, []int{5, 5, 5, 5, 5}, 50},
		{"chance", domain.CategoryChance, []int{1, 2, 3, 4, 6}, 16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ScoreFor(tt.category, tt.dice)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestScoreForUnknownCategory(t *testing.T) {
	_, err := ScoreFor("bogus", []int{1, 2, 3, 4, 5})
	assert.ErrorIs(t, err, domain.ErrUnknownCategory)
}

func TestUpperBonus(t *testing.T) {
	card := domain.ScoreCard{
		domain.CategoryOnes:   3,
		domain.CategoryTwos:   6,
		domain.CategoryThrees: 9,
		domain.CategoryFours:  12,
		domain.CategoryFives:  15,
	}
	assert.Equal(t, 0, UpperBonus(card))

	card[domain.CategorySixes] = 18
	assert.Equal(t, 35, UpperBonus(card))
}
