package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"yahtzee/internal/core/domain"
	"yahtzee/internal/core/services"
	"yahtzee/internal/game"
	"yahtzee/internal/infrastructure/memory"

	"github.com/spf13/cobra"
)

var localBots int

var localCmd = &cobra.Command{
	Use:   "local",
	Short: "Watch bots play a full game over an in-process network",
	Long: `Watch bots play a full game over an in-process network.

Runs one host and --bots clients in this process with no broker or WebRTC,
which is handy for checking the game rules and the replication path.`,
	Args: cobra.NoArgs,
	RunE: runLocal,
}

func init() {
	localCmd.Flags().IntVar(&localBots, "bots", 2, "number of joining bots")
}

func runLocal(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.stop()

	if localBots < 1 || localBots+1 > a.cfg.Session.MaxPlayers {
		return fmt.Errorf("bots must be between 1 and %d", a.cfg.Session.MaxPlayers-1)
	}
	out := cmd.OutOrStdout()

	roomID, err := domain.NewRoomID()
	if err != nil {
		return err
	}

	net := memory.NewNetwork(a.log.Named("memory"))
	hostSession := a.newSession(net)
	host := services.NewHostSynchronizer(a.syncConfig(), hostSession, game.NewEngine(), nil, a.log.Named("host"))
	if _, err := host.Open(cmd.Context(), roomID, "host-bot"); err != nil {
		return err
	}
	defer host.Close()

	finished := make(chan domain.GameState, 1)
	seated := make(chan struct{}, 1)
	host.OnStateChange(func(st domain.GameState) {
		switch {
		case st.Phase == domain.PhaseWaiting && len(st.Players) == localBots+1:
			select {
			case seated <- struct{}{}:
			default:
			}
		case st.Phase == domain.PhaseFinished:
			select {
			case finished <- st:
			default:
			}
		}
	})
	newBot(hostTable{host}, hostSession.MyPeerID()).start()

	for i := 1; i <= localBots; i++ {
		session := a.newSession(net)
		client := services.NewClientSynchronizer(session, a.log.Named("client"))
		if _, err := client.Join(cmd.Context(), roomID, fmt.Sprintf("bot-%d", i)); err != nil {
			return fmt.Errorf("bot %d failed to join: %w", i, err)
		}
		defer client.Leave()
		newBot(clientTable{client}, session.MyPeerID()).start()
	}

	select {
	case <-seated:
	case <-time.After(a.cfg.Session.JoinTimeout):
		return fmt.Errorf("bots were not seated within %s", a.cfg.Session.JoinTimeout)
	}
	fmt.Fprintf(out, "room %s: %d players seated, starting\n", roomID, localBots+1)
	if err := host.StartGame(); err != nil {
		return err
	}

	ctx := cmd.Context()
	select {
	case st := <-finished:
		printFinal(out, st)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func printFinal(out io.Writer, st domain.GameState) {
	fmt.Fprint(out, renderState(st, ""))
	fmt.Fprint(out, renderRanking(st))
}

// bot plays its own turns: one roll, then the best open category.
type bot struct {
	table table
	me    domain.PeerID

	mu    sync.Mutex
	acted string
}

func newBot(t table, me domain.PeerID) *bot {
	return &bot{table: t, me: me}
}

func (b *bot) start() {
	b.table.OnStateChange(func(st domain.GameState) {
		go b.act(st)
	})
}

func (b *bot) act(st domain.GameState) {
	if st.Phase != domain.PhasePlaying {
		return
	}
	current, ok := st.Current()
	if !ok || current.ID != b.me {
		return
	}

	key := fmt.Sprintf("%d/%d/%d", st.Round, st.CurrentPlayer, st.RollsLeft)
	b.mu.Lock()
	if b.acted == key {
		b.mu.Unlock()
		return
	}
	b.acted = key
	b.mu.Unlock()

	if st.RollsLeft == domain.RollsPerTurn {
		b.table.Roll()
		return
	}
	cat, _ := bestCategory(st.DiceValues(), current.ScoreCard)
	b.table.Score(cat)
}

// bestCategory picks the open category worth the most for dice, preferring
// score-sheet order on ties.
func bestCategory(dice []int, card domain.ScoreCard) (domain.Category, int) {
	var best domain.Category
	bestScore := -1
	for _, cat := range domain.Categories {
		if _, used := card[cat]; used {
			continue
		}
		score, err := game.ScoreFor(cat, dice)
		if err != nil {
			continue
		}
		if score > bestScore {
			best, bestScore = cat, score
		}
	}
	return best, bestScore
}
