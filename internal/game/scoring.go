package game

import (
	"fmt"
	"slices"

	"yahtzee/internal/core/domain"
)

const (
	upperBonusThreshold = 63
	upperBonus          = 35
)

var upperFaces = map[domain.Category]int{
	domain.CategoryOnes:   1,
	domain.CategoryTwos:   2,
	domain.CategoryThrees: 3,
	domain.CategoryFours:  4,
	domain.CategoryFives:  5,
	domain.CategorySixes:  6,
}

// ScoreFor returns what dice would earn in category.
func ScoreFor(category domain.Category, dice []int) (int, error) {
	counts := make(map[int]int, 6)
	sum := 0
	for _, v := range dice {
		counts[v]++
		sum += v
	}

	if face, ok := upperFaces[category]; ok {
		return face * counts[face], nil
	}

	switch category {
	case domain.CategoryThreeOfAKind:
		if maxCount(counts) >= 3 {
			return sum, nil
		}
		return 0, nil
	case domain.CategoryFourOfAKind:
		if maxCount(counts) >= 4 {
			return sum, nil
		}
		return 0, nil
	case domain.CategoryFullHouse:
		if isFullHouse(counts) {
			return 25, nil
		}
		return 0, nil
	case domain.CategorySmallStraight:
		if longestRun(counts) >= 4 {
			return 30, nil
		}
		return 0, nil
	case domain.CategoryLargeStraight:
		if longestRun(counts) >= 5 {
			return 40, nil
		}
		return 0, nil
	case domain.CategoryYahtzee:
		if len(dice) > 0 && maxCount(counts) == len(dice) {
			return 50, nil
		}
		return 0, nil
	case domain.CategoryChance:
		return sum, nil
	}
	return 0, fmt.Errorf("%w: %q", domain.ErrUnknownCategory, category)
}

// UpperBonus is 35 once the six upper categories reach 63.
func UpperBonus(card domain.ScoreCard) int {
	total := 0
	for category := range upperFaces {
		total += card[category]
	}
	if total >= upperBonusThreshold {
		return upperBonus
	}
	return 0
}

func maxCount(counts map[int]int) int {
	best := 0
	for _, n := range counts {
		best = max(best, n)
	}
	return best
}

func isFullHouse(counts map[int]int) bool {
	if len(counts) != 2 {
		return false
	}
	var sizes []int
	for _, n := range counts {
		sizes = append(sizes, n)
	}
	slices.Sort(sizes)
	return sizes[0] == 2 && sizes[1] == 3
}

func longestRun(counts map[int]int) int {
	best, run := 0, 0
	for face := 1; face <= 6; face++ {
		if counts[face] > 0 {
			run++
			best = max(best, run)
		} else {
			run = 0
		}
	}
	return best
}
