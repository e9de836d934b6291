package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relayreport/internal/broker"
	"github.com/agentworkforce/relayreport/internal/ingest"
)

func newPublishCmd(c *cli) *cobra.Command {
	var (
		file     string
		validate bool
	)
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish one envelope to the queue of its kind",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := readEnvelope(cmd, file)
			if err != nil {
				return err
			}
			if !json.Valid(body) {
				return errors.New("envelope is not valid JSON")
			}
			if validate {
				decoder, err := ingest.NewDecoder()
				if err != nil {
					return err
				}
				if _, err := decoder.Decode(body, 1); err != nil {
					return fmt.Errorf("envelope rejected: %w", err)
				}
			}

			cfg, logger, err := c.load(cmd)
			if err != nil {
				return err
			}
			if err := requireShared("queueDsn", cfg.QueueDSN); err != nil {
				return err
			}
			queues, err := broker.NewRegistry().BuildQueues(cfg.QueueDSN, cfg.QueueCapacity)
			if err != nil {
				return err
			}
			defer func() {
				for _, queue := range queues {
					_ = queue.Close()
				}
			}()

			header := ingest.PeekHeader(body)
			queue, err := broker.QueueFor(queues, header.Kind)
			if err != nil {
				return err
			}
			msg, err := queue.Publish(cmd.Context(), body)
			if err != nil {
				return fmt.Errorf("publish to %s: %w", queue.Name(), err)
			}
			logger.Debug().Str("kind", header.Kind).Str("correlationId", header.CorrelationID).Str("queue", queue.Name()).Msg("envelope published")
			printf(c.stdout, "%s\t%s\n", queue.Name(), msg.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "envelope JSON file, or - for stdin")
	cmd.Flags().BoolVar(&validate, "validate", true, "check the envelope against the payload schemas first")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readEnvelope(cmd *cobra.Command, file string) ([]byte, error) {
	if file == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(file)
}
