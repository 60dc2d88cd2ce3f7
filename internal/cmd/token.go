package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/bananajs/banana/internal/middleware"
	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "🔑 Issue an auth token for a server started with --auth-secret",
	Long: `# 🔑 Issue a Token

Prints a token signed with the server's secret. Pass it with **--token**,
as a **Bearer** header, or as **?token=** on the session URL.

` + "```bash\nexport BANANA_TOKEN=$(banana token --secret \"$BANANA_AUTH_SECRET\" --ttl 8h)\n```",
	Args: cobra.NoArgs,
	RunE: runToken,
}

var tokenOpts struct {
	secret string
	source string
	ttl    time.Duration
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringVar(&tokenOpts.secret, "secret", os.Getenv("BANANA_AUTH_SECRET"), "Signing secret")
	tokenCmd.Flags().StringVar(&tokenOpts.source, "source", "cli", "Label stored in the token")
	tokenCmd.Flags().DurationVar(&tokenOpts.ttl, "ttl", 24*time.Hour, "Token lifetime")
}

func runToken(cmd *cobra.Command, args []string) error {
	token, err := middleware.GenerateToken(tokenOpts.secret, tokenOpts.source, tokenOpts.ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
