package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"

	"yahtzee/internal/core/domain"
	"yahtzee/internal/core/services"
	"yahtzee/internal/game"
)

var errQuit = errors.New("quit")

const helpText = `commands:
  start               start the game (host only)
  roll                roll the unheld dice
  hold <die> [die..]  toggle hold on dice 1-5
  score <category>    score the current dice
  kick <peer-id>      remove a player (host only)
  players             list players, connection status and latency
  show                print the table
  quit                leave the room`

// console renders room events and turns typed lines into table actions.
type console struct {
	session *services.Session
	table   table

	mu        sync.Mutex
	out       io.Writer
	statuses  map[domain.PeerID]domain.ConnectionStatus
	latencies map[domain.PeerID]int64

	done     chan struct{}
	doneOnce sync.Once
	reason   string
}

func newConsole(session *services.Session, t table, out io.Writer) *console {
	return &console{
		session:   session,
		table:     t,
		out:       out,
		statuses:  make(map[domain.PeerID]domain.ConnectionStatus),
		latencies: make(map[domain.PeerID]int64),
		done:      make(chan struct{}),
	}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) finish(reason string) {
	c.doneOnce.Do(func() {
		c.reason = reason
		close(c.done)
	})
}

// watch subscribes to the session and table. Losing the host, or our own
// network, ends the console.
func (c *console) watch() {
	c.table.OnStateChange(func(st domain.GameState) {
		c.printf("%s", renderState(st, c.session.MyPeerID()))
		if st.Phase == domain.PhaseFinished {
			c.printf("%s", renderRanking(st))
		}
	})
	c.table.OnRoll(func(ev services.RollEvent) {
		if ev.Started {
			c.printf("%s is rolling...\n", c.nameOf(ev.PlayerID))
		}
	})
	c.session.OnStatusChange(func(ev domain.StatusEvent) {
		c.mu.Lock()
		c.statuses[ev.PeerID] = ev.Status
		c.mu.Unlock()
		if ev.Status != domain.StatusConnected {
			c.printf("! %s is %s\n", ev.PeerID, ev.Status)
		}
	})
	c.session.OnLatencyUpdate(func(ev domain.LatencyEvent) {
		c.mu.Lock()
		defer c.mu.Unlock()
		for id, ms := range ev.Latencies {
			c.latencies[id] = ms
		}
	})
	c.session.OnDisconnection(func(ev domain.DisconnectEvent) {
		c.printf("! %s disconnected: %s\n", ev.PeerID, describeReason(ev.Reason))
		if ev.Role == domain.RoleHost || ev.Reason == domain.ReasonSelfNetwork {
			c.finish(describeReason(ev.Reason))
		}
	})
}

func (c *console) nameOf(id domain.PeerID) string {
	st, ok := c.table.State()
	if ok {
		if i := st.FindPlayer(id); i >= 0 {
			return st.Players[i].Name
		}
	}
	return string(id)
}

// run reads commands until quit, EOF, ctx or the room ends.
func (c *console) run(ctx context.Context, in io.Reader) string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-c.done:
				return
			}
		}
	}()

	c.printf("%s\n", helpText)
	if st, ok := c.table.State(); ok {
		c.printf("%s", renderState(st, c.session.MyPeerID()))
	}
	for {
		select {
		case <-ctx.Done():
			c.table.Leave()
			return "interrupted"
		case <-c.done:
			return c.reason
		case line, ok := <-lines:
			if !ok {
				c.table.Leave()
				return "input closed"
			}
			err := c.execute(line)
			switch {
			case errors.Is(err, errQuit):
				c.table.Leave()
				return "left the room"
			case err != nil:
				c.printf("error: %v\n", err)
			}
		}
	}
}

func (c *console) execute(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "help", "?":
		c.printf("%s\n", helpText)
		return nil
	case "start":
		return c.table.Start()
	case "roll", "r":
		return c.table.Roll()
	case "hold", "h":
		if len(args) == 0 {
			return fmt.Errorf("usage: hold <die> [die..]")
		}
		for _, a := range args {
			n, err := strconv.Atoi(a)
			if err != nil || n < 1 || n > domain.DiceCount {
				return fmt.Errorf("die must be 1-%d, got %q", domain.DiceCount, a)
			}
			if err := c.table.Hold(n - 1); err != nil {
				return err
			}
		}
		return nil
	case "score", "s":
		if len(args) != 1 {
			return fmt.Errorf("usage: score <category>")
		}
		cat, err := parseCategory(args[0])
		if err != nil {
			return err
		}
		return c.table.Score(cat)
	case "kick":
		if len(args) != 1 {
			return fmt.Errorf("usage: kick <peer-id>")
		}
		return c.table.Kick(domain.PeerID(args[0]))
	case "players", "p":
		c.printf("%s", c.renderPlayers())
		return nil
	case "show":
		if st, ok := c.table.State(); ok {
			c.printf("%s", renderState(st, c.session.MyPeerID()))
		}
		return nil
	case "quit", "exit", "q":
		return errQuit
	}
	return fmt.Errorf("unknown command %q, type help", cmd)
}

func (c *console) renderPlayers() string {
	st, _ := c.table.State()
	me := c.session.MyPeerID()

	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEAT\tNAME\tPEER\tSTATUS\tRTT")
	for _, p := range st.Players {
		status, rtt := "-", "-"
		if p.ID == me {
			status = "you"
		} else {
			if s, ok := c.statuses[p.ID]; ok {
				status = string(s)
			} else {
				status = string(domain.StatusConnected)
			}
			if ms, ok := c.latencies[p.ID]; ok {
				rtt = fmt.Sprintf("%dms", ms)
			}
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", p.Seat, p.Name, p.ID, status, rtt)
	}
	w.Flush()
	return b.String()
}

// parseCategory accepts category names with '-', '_' or ' ' separators.
func parseCategory(s string) (domain.Category, error) {
	norm := strings.NewReplacer("-", "_", " ", "_").Replace(strings.ToLower(strings.TrimSpace(s)))
	for _, c := range domain.Categories {
		if string(c) == norm || strings.ReplaceAll(string(c), "_", "") == norm {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", domain.ErrUnknownCategory, s)
}

func describeReason(r domain.DisconnectReason) string {
	switch r {
	case domain.ReasonSelfNetwork:
		return "lost our own network connection"
	case domain.ReasonPeerNetwork:
		return "peer network failure"
	case domain.ReasonPeerLeft:
		return "left the room"
	case domain.ReasonHostLeft:
		return "the host closed the room"
	case domain.ReasonHostNetwork:
		return "lost the connection to the host"
	case domain.ReasonKicked:
		return "kicked by the host"
	case domain.ReasonRoomFull:
		return "the room is full"
	case domain.ReasonGameAlreadyStarted:
		return "the game has already started"
	}
	return "unknown reason"
}

func renderState(st domain.GameState, me domain.PeerID) string {
	var b strings.Builder
	current, hasTurn := st.Current()

	switch st.Phase {
	case domain.PhaseWaiting:
		fmt.Fprintf(&b, "\n== waiting for players (%d/%d) ==\n", len(st.Players), st.MaxPlayers)
	case domain.PhasePlaying:
		turn := "-"
		if hasTurn {
			turn = current.Name
			if current.ID == me {
				turn += " (you)"
			}
		}
		fmt.Fprintf(&b, "\n== round %d  turn: %s  rolls left: %d ==\n", st.Round, turn, st.RollsLeft)
		b.WriteString("dice:")
		for _, d := range st.Dice {
			if d.Value == 0 {
				b.WriteString("  -")
				continue
			}
			if d.Held {
				fmt.Fprintf(&b, " [%d]", d.Value)
			} else {
				fmt.Fprintf(&b, "  %d ", d.Value)
			}
		}
		b.WriteString("\n")
		if hasTurn && current.ID == me && st.RollsLeft < domain.RollsPerTurn {
			b.WriteString(renderOptions(st.DiceValues(), current.ScoreCard))
		}
	case domain.PhaseFinished:
		b.WriteString("\n== game over ==\n")
	}

	w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEAT\tPLAYER\tSCORED\tBONUS\tTOTAL")
	for _, p := range st.Players {
		name := p.Name
		if p.IsHost {
			name += " *"
		}
		fmt.Fprintf(w, "%d\t%s\t%d/%d\t%d\t%d\n", p.Seat, name, len(p.ScoreCard), len(domain.Categories), p.Bonus, p.Total())
	}
	w.Flush()
	return b.String()
}

func renderOptions(dice []int, card domain.ScoreCard) string {
	var b strings.Builder
	b.WriteString("open:")
	for _, cat := range domain.Categories {
		if _, used := card[cat]; used {
			continue
		}
		score, err := game.ScoreFor(cat, dice)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, " %s=%d", cat, score)
	}
	b.WriteString("\n")
	return b.String()
}

func renderRanking(st domain.GameState) string {
	players := append([]domain.Player(nil), st.Players...)
	sort.SliceStable(players, func(i, j int) bool {
		return players[i].Total() > players[j].Total()
	})

	var b strings.Builder
	b.WriteString("final standings:\n")
	for i, p := range players {
		fmt.Fprintf(&b, "  %d. %s %d\n", i+1, p.Name, p.Total())
	}
	return b.String()
}
