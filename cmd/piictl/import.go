package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"pii-ledger/internal/domain"
)

var importCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Load messages from a JSON array into the message store",
	Long: `Read a JSON array of messages and upsert them into the messages collection.
Each message has id, conversationId, userId, content and arrivalTime.
Use "-" to read from stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		msgs, err := readMessages(cmd.InOrStdin(), args[0])
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.Messages.Put(ctx, msgs)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), countStyle.Render(fmt.Sprint(n)), "messages imported")
		return nil
	},
}

func readMessages(stdin io.Reader, path string) ([]domain.Message, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("piictl: import: %w", err)
		}
		defer f.Close()
		r = f
	}
	var msgs []domain.Message
	if err := json.NewDecoder(r).Decode(&msgs); err != nil {
		return nil, fmt.Errorf("piictl: import %s: %w", path, err)
	}
	return msgs, nil
}
