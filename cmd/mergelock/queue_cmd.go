package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/mergelock"
)

func newJoinCommand(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "join USERNAME",
		Short: "Add a user to the back of the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, q, logger, err := env.open(cmd)
			if err != nil {
				return err
			}
			defer closeQueue(q, logger)
			username := args[0]
			entries, err := q.Join(ctx, username)
			if err != nil {
				return err
			}
			view := resultView{
				Action:   "joined",
				Username: username,
				Position: positionOf(entries, username),
				Queue:    newQueueView(q.Describe(), entries),
			}
			return render(cmd.OutOrStdout(), viper.GetString("output"), view, func(w io.Writer) error {
				if view.Position == 1 {
					_, err := fmt.Fprintf(w, "%s joined and holds the lock; run `mergelock acquire %s` to take it\n", username, username)
					return err
				}
				_, err := fmt.Fprintf(w, "%s joined at position %d of %d (holder: %s)\n", username, view.Position, view.Queue.Length, view.Queue.Holder)
				return err
			})
		},
	}
}

func newLeaveCommand(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:     "leave USERNAME",
		Aliases: []string{"remove"},
		Short:   "Remove a user from the queue",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, q, logger, err := env.open(cmd)
			if err != nil {
				return err
			}
			defer closeQueue(q, logger)
			username := args[0]
			if err := q.Leave(ctx, username); err != nil {
				return err
			}
			view := resultView{Action: "left", Username: username}
			return render(cmd.OutOrStdout(), viper.GetString("output"), view, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s left the queue\n", username)
				return err
			})
		},
	}
}

func newListCommand(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "Show the queue in order; the first entry holds the lock",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, q, logger, err := env.open(cmd)
			if err != nil {
				return err
			}
			defer closeQueue(q, logger)
			entries, err := q.List(ctx)
			if err != nil {
				return err
			}
			view := newQueueView(q.Describe(), entries)
			return render(cmd.OutOrStdout(), viper.GetString("output"), view, func(w io.Writer) error {
				return writeQueueTable(w, view, time.Now())
			})
		},
	}
}

func newAcquireCommand(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:     "acquire USERNAME",
		Aliases: []string{"pop"},
		Short:   "Take the lock if USERNAME is at the head of the queue",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, q, logger, err := env.open(cmd)
			if err != nil {
				return err
			}
			defer closeQueue(q, logger)
			username := args[0]
			entry, err := q.Acquire(ctx, username)
			if err != nil {
				return err
			}
			view := resultView{
				Action:   "acquired",
				Username: username,
				Acquired: &entryView{Position: 1, Username: entry.Username, OrderingKey: entry.OrderingKey, Holder: true},
			}
			return render(cmd.OutOrStdout(), viper.GetString("output"), view, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s acquired the lock (queued %s)\n", username, since(entry.OrderingKey, time.Now()))
				return err
			})
		},
	}
}

func newRequeueCommand(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:     "requeue USERNAME",
		Aliases: []string{"back"},
		Short:   "Move a queued user to the back of the queue",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, q, logger, err := env.open(cmd)
			if err != nil {
				return err
			}
			defer closeQueue(q, logger)
			username := args[0]
			if err := q.Requeue(ctx, username); err != nil {
				return err
			}
			view := resultView{Action: "requeued", Username: username}
			return render(cmd.OutOrStdout(), viper.GetString("output"), view, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s moved to the back of the queue\n", username)
				return err
			})
		},
	}
}

type watchView struct {
	At      string `json:"at" yaml:"at"`
	Holder  string `json:"holder" yaml:"holder"`
	Waiting int    `json:"waiting" yaml:"waiting"`
}

func newWatchCommand(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Poll the queue and report every change of lock holder until interrupted",
		Long: `watch polls the store every --watch-interval and emits a head_changed event
(logged, and posted to --webhook-url when configured) whenever the derived lock
holder changes. The first poll only records the current holder.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, q, logger, err := env.open(cmd)
			if err != nil {
				return err
			}
			defer closeQueue(q, logger)
			format := viper.GetString("output")
			out := cmd.OutOrStdout()
			logger.Info("cli.watch.start", "store", q.Describe(), "interval", q.Config().WatchInterval.String())
			err = q.Watch(ctx, func(ev mergelock.ChangeEvent) {
				view := watchView{At: ev.OccurredAt.Format(time.RFC3339), Holder: ev.Username}
				if len(ev.Queue) > 1 {
					view.Waiting = len(ev.Queue) - 1
				}
				if err := render(out, format, view, func(w io.Writer) error {
					if view.Holder == "" {
						_, err := fmt.Fprintf(w, "%s queue is empty\n", view.At)
						return err
					}
					_, err := fmt.Fprintf(w, "%s %s holds the lock (%d waiting)\n", view.At, view.Holder, view.Waiting)
					return err
				}); err != nil {
					logger.Warn("cli.watch.render_failed", "error", err)
				}
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}
