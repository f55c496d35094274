package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"canopy/api/internal/agent"
	"canopy/api/internal/auth"
)

var (
	watchURL       string
	watchToken     string
	watchUserID    string
	watchWorkspace string
)

// watchCmd joins a workspace as a read-only client and logs what it sees.
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Join a workspace and log lock and presence changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		if watchWorkspace == "" || watchToken == "" {
			return errors.New("--workspace and --token are required")
		}
		log := newLogger()
		userID := watchUserID
		if userID == "" {
			if claims, err := auth.ParseToken([]byte(cfg.JWTSecret), watchToken); err == nil {
				userID = claims.Subject
			}
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runWatch(ctx, agent.Config{
			URL:    watchURL,
			Token:  watchToken,
			UserID: userID,
			Logger: log,
		}, watchWorkspace, log)
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchURL, "url", "ws://localhost:8787/ws", "websocket endpoint")
	watchCmd.Flags().StringVar(&watchToken, "token", "", "bearer token")
	watchCmd.Flags().StringVar(&watchUserID, "user", "", "own user id, read from the token when the secret is known")
	watchCmd.Flags().StringVar(&watchWorkspace, "workspace", "", "workspace to join")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(ctx context.Context, cfg agent.Config, workspaceID string, log *slog.Logger) error {
	client := agent.New(cfg)
	if err := client.JoinWorkspace(workspaceID); err != nil {
		return err
	}
	events, unsubscribe := client.Subscribe()
	defer unsubscribe()

	go func() {
		for ev := range events {
			switch ev.Kind {
			case agent.EventState:
				log.Info("connection state", "state", ev.State.String())
			case agent.EventLocks:
				if ev.NodeID != "" {
					log.Info("node lock changed", "node_id", ev.NodeID, "badge", client.Badge(ev.NodeID))
				} else {
					log.Info("locks", "count", len(client.Snapshot().Locks))
				}
			case agent.EventPresence:
				snap := client.Snapshot()
				names := make([]string, 0, len(snap.Presence))
				for _, u := range snap.Presence {
					names = append(names, u.Username)
				}
				log.Info("presence", "workspace_id", snap.WorkspaceID, "users", names)
			case agent.EventUpdate:
				log.Info("node updated", "node_id", ev.NodeID, "by", ev.Update.UpdatedBy.Username, "changes", string(ev.Update.Changes))
			case agent.EventServerError:
				log.Warn("server error", "node_id", ev.NodeID, "error", ev.Err)
			case agent.EventOutboxDrop:
				log.Warn("offline queue overflowed", "node_id", ev.NodeID)
			}
		}
	}()

	return client.Run(ctx)
}
