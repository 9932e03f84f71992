package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"taskboard/api/internal/auth"
	"taskboard/api/internal/boardclient"
	"taskboard/api/internal/protocol"
	"taskboard/api/internal/reconcile"
)

type globalFlags struct {
	url     string
	token   string
	verbose bool
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "boardctl",
		Short:         "Inspect and rearrange taskboard boards from the terminal",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&flags.url, "url", envOr("TASKBOARD_URL", "http://localhost:8787"), "API base URL")
	root.PersistentFlags().StringVar(&flags.token, "token", os.Getenv("TASKBOARD_TOKEN"), "bearer token")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "log reconnects and reloads")

	root.AddCommand(
		showCmd(flags),
		watchCmd(flags),
		moveCmd(flags),
		reorderListsCmd(flags),
		reorderCardsCmd(flags),
		tokenCmd(),
	)
	return root
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func (f *globalFlags) client(boardID string) (*boardclient.Client, error) {
	if f.token == "" {
		return nil, errors.New("no token: pass --token or set TASKBOARD_TOKEN")
	}
	logger := log.New()
	logger.SetLevel(log.WarnLevel)
	if f.verbose {
		logger.SetLevel(log.DebugLevel)
	}
	return boardclient.New(f.url, f.token, boardID, boardclient.WithLogger(logger)), nil
}

// loaded returns a client whose local copy has been fetched.
func (f *globalFlags) loaded(ctx context.Context, boardID string) (*boardclient.Client, error) {
	c, err := f.client(boardID)
	if err != nil {
		return nil, err
	}
	if err := c.Refresh(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func showCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <boardId>",
		Short: "Print a board's lists and cards in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.loaded(cmd.Context(), args[0])
			if err != nil {
				return failure(err)
			}
			printBoard(cmd.OutOrStdout(), c.Board())
			return nil
		},
	}
}

func watchCmd(flags *globalFlags) *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "watch <boardId>",
		Short: "Follow live changes to a board",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client(args[0])
			if err != nil {
				return failure(err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			err = c.Watch(ctx, func(frame protocol.Frame) {
				stamp := faint.Sprint(time.Now().Format("15:04:05"))
				if frame.Type == protocol.FrameJoined {
					success(out, "watching %s", args[0])
				} else {
					fmt.Fprintf(out, "%s %s\n", stamp, describeFrame(frame))
				}
				if !quiet {
					printBoard(out, c.Board())
				}
			})
			switch {
			case errors.Is(err, context.Canceled):
				return nil
			case errors.Is(err, reconcile.ErrBoardDeleted):
				yellow.Fprintln(out, "board was deleted")
				return nil
			case err != nil:
				return failure(err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "print events only, not the board after each one")
	return cmd
}

func moveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "move <boardId> <cardId> <sourceListId> <destListId> <index>",
		Short: "Move a card to an index in the same or another list",
		Args:  cobra.ExactArgs(5),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[4])
			if err != nil || index < 0 {
				return failure(fmt.Errorf("index must be a non-negative integer, got %q", args[4]))
			}
			c, err := flags.loaded(cmd.Context(), args[0])
			if err != nil {
				return failure(err)
			}
			if err := c.MoveCard(cmd.Context(), args[1], args[2], args[3], index); err != nil {
				return failure(err)
			}
			success(cmd.OutOrStdout(), "moved %s", args[1])
			printBoard(cmd.OutOrStdout(), c.Board())
			return nil
		},
	}
}

func reorderListsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reorder-lists <boardId> <listId>...",
		Short: "Set the order of every list on a board",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.loaded(cmd.Context(), args[0])
			if err != nil {
				return failure(err)
			}
			if err := c.ReorderLists(cmd.Context(), args[1:]); err != nil {
				return failure(err)
			}
			success(cmd.OutOrStdout(), "reordered %d lists", len(args)-1)
			printBoard(cmd.OutOrStdout(), c.Board())
			return nil
		},
	}
}

func reorderCardsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reorder-cards <boardId> <listId> <cardId>...",
		Short: "Set the order of every card in a list",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.loaded(cmd.Context(), args[0])
			if err != nil {
				return failure(err)
			}
			if err := c.ReorderCards(cmd.Context(), args[1], args[2:]); err != nil {
				return failure(err)
			}
			success(cmd.OutOrStdout(), "reordered %d cards", len(args)-2)
			printBoard(cmd.OutOrStdout(), c.Board())
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var (
		secret string
		name   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <userId>",
		Short: "Sign a development bearer token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return failure(errors.New("no secret: pass --secret or set JWT_SECRET"))
			}
			token, err := auth.IssueToken([]byte(secret), auth.Claims{
				Sub:  args[0],
				Name: name,
				Exp:  time.Now().Add(ttl).Unix(),
			})
			if err != nil {
				return failure(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("JWT_SECRET"), "HMAC secret shared with the API")
	cmd.Flags().StringVar(&name, "name", "", "display name claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
