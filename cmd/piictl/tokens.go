package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"pii-ledger/internal/usecase"
)

var tokenFlags struct {
	user         string
	conversation string
}

var obfuscateCmd = &cobra.Command{
	Use:   "obfuscate [TEXT]",
	Short: "Replace PII in TEXT (or stdin) with scoped placeholder tokens",
	Long: `Replace each PII span with a placeholder such as {name_1}. The same value
always maps to the same token within a user and conversation.

Without --conversation a new conversation id is generated and printed to
stderr; pass it to deobfuscate later.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := inputText(cmd.InOrStdin(), args)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		out, err := a.Tokens.Obfuscate(ctx, usecase.TokenizeInput{
			Text: text, UserID: tokenFlags.user, ConversationID: tokenFlags.conversation,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.ErrOrStderr(), infoStyle.Render("conversation "+out.ConversationID),
			countStyle.Render(fmt.Sprint(len(out.Entities))), "entities")
		fmt.Fprintln(cmd.OutOrStdout(), out.Text)
		return nil
	},
}

var deobfuscateCmd = &cobra.Command{
	Use:   "deobfuscate [TEXT]",
	Short: "Restore the original values of placeholder tokens in TEXT (or stdin)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := inputText(cmd.InOrStdin(), args)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		out, err := a.Tokens.Deobfuscate(ctx, usecase.TokenizeInput{
			Text: text, UserID: tokenFlags.user, ConversationID: tokenFlags.conversation,
		})
		if err != nil {
			var ue *usecase.Error
			if errors.As(err, &ue) && len(ue.Missing) > 0 {
				return fmt.Errorf("%w (missing: %s)", err, strings.Join(ue.Missing, ", "))
			}
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out.Text)
		return nil
	},
}

var eraseCmd = &cobra.Command{
	Use:   "erase",
	Short: "Delete every token of a user and conversation",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.Tokens.Erase(ctx, tokenFlags.user, tokenFlags.conversation)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), countStyle.Render(fmt.Sprint(n)), "vault records deleted")
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{obfuscateCmd, deobfuscateCmd, eraseCmd} {
		c.Flags().StringVarP(&tokenFlags.user, "user", "u", "", "User id")
		c.Flags().StringVar(&tokenFlags.conversation, "conversation", "", "Conversation id")
		_ = c.MarkFlagRequired("user")
	}
	_ = deobfuscateCmd.MarkFlagRequired("conversation")
	_ = eraseCmd.MarkFlagRequired("conversation")
}

func inputText(stdin io.Reader, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("piictl: read stdin: %w", err)
	}
	return strings.TrimRight(string(b), "\n"), nil
}
