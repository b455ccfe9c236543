package domain

type Phase string

const (
	PhaseWaiting  Phase = "waiting"
	PhasePlaying  Phase = "playing"
	PhaseFinished Phase = "finished"
)

type Category string

const (
	CategoryOnes          Category = "ones"
	CategoryTwos          Category = "twos"
	CategoryThrees        Category = "threes"
	CategoryFours         Category = "fours"
	CategoryFives         Category = "fives"
	CategorySixes         Category = "sixes"
	CategoryThreeOfAKind  Category = "three_of_a_kind"
	CategoryFourOfAKind   Category = "four_of_a_kind"
	CategoryFullHouse     Category = "full_house"
	CategorySmallStraight Category = "small_straight"
	CategoryLargeStraight Category = "large_straight"
	CategoryYahtzee       Category = "yahtzee"
	CategoryChance        Category = "chance"
)

// Categories lists every category in score-sheet order.
var Categories = []Category{
	CategoryOnes, CategoryTwos, CategoryThrees, CategoryFours, CategoryFives, CategorySixes,
	CategoryThreeOfAKind, CategoryFourOfAKind, CategoryFullHouse,
	CategorySmallStraight, CategoryLargeStraight, CategoryYahtzee, CategoryChance,
}

const (
	DiceCount       = 5
	RollsPerTurn    = 3
	DefaultCapacity = 8
)

type Die struct {
	ID    int  `json:"id"`
	Value int  `json:"value"`
	Held  bool `json:"held"`
}

// ScoreCard holds scored categories only; a missing key is still open.
type ScoreCard map[Category]int

func (c ScoreCard) Total() int {
	total := 0
	for _, v := range c {
		total += v
	}
	return total
}

type Player struct {
	ID        PeerID    `json:"id"`
	Name      string    `json:"name"`
	Seat      int       `json:"seat"`
	IsHost    bool      `json:"isHost"`
	ScoreCard ScoreCard `json:"scoreCard"`
	Bonus     int       `json:"bonus"`
}

func (p Player) Total() int {
	return p.ScoreCard.Total() + p.Bonus
}

// GameState is the host-owned authoritative state and the body of sync
// snapshots. Seq grows with every committed change so replicas can drop a
// snapshot that arrives after a newer one.
type GameState struct {
	Seq           uint64   `json:"seq"`
	Phase         Phase    `json:"phase"`
	Players       []Player `json:"players"`
	CurrentPlayer int      `json:"currentPlayer"`
	Round         int      `json:"round"`
	Dice          []Die    `json:"dice"`
	RollsLeft     int      `json:"rollsLeft"`
	MaxPlayers    int      `json:"maxPlayers"`
}

func NewGameState(maxPlayers int) *GameState {
	if maxPlayers <= 0 {
		maxPlayers = DefaultCapacity
	}
	dice := make([]Die, DiceCount)
	for i := range dice {
		dice[i] = Die{ID: i}
	}
	return &GameState{
		Phase:      PhaseWaiting,
		Players:    []Player{},
		Round:      0,
		Dice:       dice,
		RollsLeft:  RollsPerTurn,
		MaxPlayers: maxPlayers,
	}
}

func (s *GameState) Clone() *GameState {
	cp := *s
	cp.Dice = append([]Die(nil), s.Dice...)
	cp.Players = make([]Player, len(s.Players))
	for i, p := range s.Players {
		card := make(ScoreCard, len(p.ScoreCard))
		for k, v := range p.ScoreCard {
			card[k] = v
		}
		p.ScoreCard = card
		cp.Players[i] = p
	}
	return &cp
}

// FindPlayer returns the index of the player or -1.
func (s GameState) FindPlayer(id PeerID) int {
	for i, p := range s.Players {
		if p.ID == id {
			return i
		}
	}
	return -1
}

func (s GameState) Current() (Player, bool) {
	if s.CurrentPlayer < 0 || s.CurrentPlayer >= len(s.Players) {
		return Player{}, false
	}
	return s.Players[s.CurrentPlayer], true
}

func (s GameState) Full() bool {
	return len(s.Players) >= s.MaxPlayers
}

// LowestFreeSeat returns the smallest seat number, starting at 1, that no
// player occupies.
func (s GameState) LowestFreeSeat() int {
	taken := make(map[int]bool, len(s.Players))
	for _, p := range s.Players {
		taken[p.Seat] = true
	}
	seat := 1
	for taken[seat] {
		seat++
	}
	return seat
}

func (s GameState) DiceValues() []int {
	values := make([]int, len(s.Dice))
	for i, d := range s.Dice {
		values[i] = d.Value
	}
	return values
}
