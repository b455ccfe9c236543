package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"yahtzee/internal/core/domain"
	"yahtzee/internal/core/services"
	"yahtzee/internal/game"
	"yahtzee/internal/infrastructure/webrtc"

	"github.com/spf13/cobra"
)

var roomFlag string

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Create a room and host the game",
	Long: `Create a room and host the game.

Prints the room code to share. The host holds the authoritative game state;
closing it ends the room for everyone.`,
	Args: cobra.NoArgs,
	RunE: runHost,
}

var joinCmd = &cobra.Command{
	Use:   "join <room>",
	Short: "Join a room by its code",
	Args:  cobra.ExactArgs(1),
	RunE:  runJoin,
}

func init() {
	hostCmd.Flags().StringVar(&roomFlag, "room", "", "room code to claim (default: random)")
}

func runHost(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.stop()

	roomID := domain.RoomID("")
	if roomFlag != "" {
		roomID, err = domain.ParseRoomID(roomFlag)
	} else {
		roomID, err = domain.NewRoomID()
	}
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session := a.newSession(webrtc.NewTransport(webrtc.ConfigFrom(a.cfg), a.log.Named("webrtc")))
	host := services.NewHostSynchronizer(a.syncConfig(), session, game.NewEngine(), nil, a.log.Named("host"))
	if a.metrics != nil {
		host.SetMetrics(a.metrics)
	}

	room, err := host.Open(ctx, roomID, a.cfg.Session.PlayerName)
	if err != nil {
		return fmt.Errorf("failed to create room: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "room %s is open, share the code with other players\n", room.ID)

	c := newConsole(session, hostTable{host}, cmd.OutOrStdout())
	c.watch()
	reason := c.run(ctx, cmd.InOrStdin())
	fmt.Fprintf(cmd.OutOrStdout(), "room closed: %s\n", reason)
	return nil
}

func runJoin(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.stop()

	roomID, err := domain.ParseRoomID(args[0])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session := a.newSession(webrtc.NewTransport(webrtc.ConfigFrom(a.cfg), a.log.Named("webrtc")))
	client := services.NewClientSynchronizer(session, a.log.Named("client"))

	c := newConsole(session, clientTable{client}, cmd.OutOrStdout())
	c.watch()

	joinCtx, cancel := context.WithTimeout(ctx, a.cfg.Session.JoinTimeout+a.cfg.WebRTC.GatherTimeout)
	defer cancel()
	if _, err := client.Join(joinCtx, roomID, a.cfg.Session.PlayerName); err != nil {
		return fmt.Errorf("failed to join room %s: %w", roomID, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "joined room %s as %s\n", roomID, session.MyPeerID())

	reason := c.run(ctx, cmd.InOrStdin())
	fmt.Fprintf(cmd.OutOrStdout(), "left room: %s\n", reason)
	return nil
}
