package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"predix-agent-backend/internal/config"
	"predix-agent-backend/internal/orchestrator"
	"predix-agent-backend/internal/types"
)

func newMigrateCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply SQL migrations for the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Store != "postgres" && cfg.Store != "sqlite" {
				return fmt.Errorf("STORE=%s has no migrations", cfg.Store)
			}
			database, err := openDatabase(*cfg)
			if err != nil {
				return err
			}
			defer database.Close()
			if err := database.RunMigrations(cmd.Context()); err != nil {
				return errors.Wrap(err, "run migrations")
			}
			log.Info().Str("driver", database.Driver).Msg("migrations applied")
			return nil
		},
	}
}

func newChatCmd(cfg *config.Config) *cobra.Command {
	var conversationID, userID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the agent from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			a, err := buildApp(ctx, *cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			if conversationID == "" {
				conversationID = uuid.NewString()
			}
			return chatLoop(ctx, a.orch, cmd.InOrStdin(), cmd.OutOrStdout(), userID, conversationID)
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id to continue (default: new)")
	cmd.Flags().StringVar(&userID, "user", "local", "user id sent with every message")
	return cmd
}

func chatLoop(ctx context.Context, orch *orchestrator.Orchestrator, in io.Reader, out io.Writer, userID, conversationID string) error {
	fmt.Fprintf(out, "conversation %s (empty line or Ctrl-D to quit)\n", conversationID)
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			return nil
		}
		resp := orch.HandleMessage(ctx, types.ChatRequest{UserID: userID, ConversationID: conversationID, Message: text})
		fmt.Fprintf(out, "[%s] %s\n", resp.MessageType, resp.Message)
		if resp.Data != nil {
			fmt.Fprintf(out, "%s\n", resp.Data)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
