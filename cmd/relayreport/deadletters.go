package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relayreport/internal/broker"
)

func newDeadLettersCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deadletters",
		Aliases: []string{"dlq"},
		Short:   "Inspect, replay and purge dead-lettered envelopes",
	}
	cmd.AddCommand(
		newDeadLettersListCmd(c),
		newDeadLettersShowCmd(c),
		newDeadLettersReplayCmd(c),
		newDeadLettersPurgeCmd(c),
	)
	return cmd
}

func (c *cli) openDeadLetters(cmd *cobra.Command) (broker.DeadLetterStore, error) {
	cfg, _, err := c.load(cmd)
	if err != nil {
		return nil, err
	}
	if err := requireShared("deadLetterDsn", cfg.DeadLetterDSN); err != nil {
		return nil, err
	}
	return broker.NewRegistry().BuildDeadLetterStore(cmd.Context(), cfg.DeadLetterDSN)
}

func newDeadLettersListCmd(c *cli) *cobra.Command {
	var (
		cursor string
		limit  int
		output string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letters, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := c.openDeadLetters(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			page, err := store.List(cmd.Context(), cursor, limit)
			if err != nil {
				return err
			}
			if output == "json" {
				return writeJSON(c.stdout, page)
			}
			return writeDeadLetterTable(c.stdout, page)
		},
	}
	cmd.Flags().StringVar(&cursor, "cursor", "", "continue after this dead-letter id")
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format: table or json")
	return cmd
}

func newDeadLettersShowCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print one dead letter as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := c.openDeadLetters(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			entry, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("dead letter %s: %w", args[0], err)
			}
			return writeJSON(c.stdout, entry)
		},
	}
}

func newDeadLettersReplayCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <id>...",
		Short: "Publish dead letters back to their queues",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := c.load(cmd)
			if err != nil {
				return err
			}
			if err := errors.Join(
				requireShared("deadLetterDsn", cfg.DeadLetterDSN),
				requireShared("queueDsn", cfg.QueueDSN),
			); err != nil {
				return err
			}
			backends := broker.NewRegistry()
			store, err := backends.BuildDeadLetterStore(cmd.Context(), cfg.DeadLetterDSN)
			if err != nil {
				return err
			}
			defer store.Close()
			queues, err := backends.BuildQueues(cfg.QueueDSN, cfg.QueueCapacity)
			if err != nil {
				return err
			}
			defer func() {
				for _, queue := range queues {
					_ = queue.Close()
				}
			}()

			var errs []error
			for _, id := range args {
				result, err := broker.ReplayDeadLetter(cmd.Context(), store, queues, id)
				if err != nil {
					errs = append(errs, fmt.Errorf("replay %s: %w", id, err))
					continue
				}
				logger.Info().Str("deadLetterId", id).Str("queue", result.Message.Queue).Msg("dead letter replayed")
				printf(c.stdout, "%s\t%s\t%s\n", id, result.Message.Queue, result.Message.ID)
			}
			return errors.Join(errs...)
		},
	}
}

func newDeadLettersPurgeCmd(c *cli) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "purge [id...]",
		Short: "Delete dead letters",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return errors.New("pass dead-letter ids or --all, not both")
			}
			store, err := c.openDeadLetters(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			ids := args
			if all {
				if ids, err = allDeadLetterIDs(cmd, store); err != nil {
					return err
				}
			}
			var errs []error
			for _, id := range ids {
				if err := store.Delete(cmd.Context(), id); err != nil {
					errs = append(errs, fmt.Errorf("purge %s: %w", id, err))
				}
			}
			printf(c.stdout, "purged %d dead letter(s)\n", len(ids)-len(errs))
			return errors.Join(errs...)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "delete every dead letter")
	return cmd
}

func allDeadLetterIDs(cmd *cobra.Command, store broker.DeadLetterStore) ([]string, error) {
	var (
		ids    []string
		cursor string
	)
	for {
		page, err := store.List(cmd.Context(), cursor, 500)
		if err != nil {
			return nil, err
		}
		for _, entry := range page.Items {
			ids = append(ids, entry.ID)
		}
		if page.NextCursor == nil {
			return ids, nil
		}
		cursor = *page.NextCursor
	}
}

func writeDeadLetterTable(w io.Writer, page broker.DeadLetterPage) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	printf(tw, "ID\tFAILED\tKIND\tCLASS\tATTEMPTS\tREASON\n")
	for _, entry := range page.Items {
		printf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			entry.ID,
			entry.FailedAt.UTC().Format(time.RFC3339),
			valueOr(entry.Kind, "-"),
			entry.FailureClass,
			entry.AttemptCount,
			entry.FailureReason,
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if page.NextCursor != nil {
		printf(w, "next cursor: %s\n", *page.NextCursor)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func valueOr(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
