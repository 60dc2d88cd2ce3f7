package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/bananajs/banana/internal/client"
	"github.com/spf13/cobra"
)

var buildStartCmd = &cobra.Command{
	Use:   "build-start",
	Short: "⏱️  Mark the start of a build on a running server",
	Long: `# ⏱️  Mark Build Start

**Resets the build clock**, so update events and metrics report time since
this build began. Call it from your bundler's build hook.

` + "```bash\nbanana build-start && esbuild src/main.jsx --bundle --outdir=dist\n```",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMark(cmd, "build start", (*client.Marker).BuildStart, func(t client.BuildTimes) int64 { return t.BuildStart })
	},
}

var hmrAppliedCmd = &cobra.Command{
	Use:   "hmr-applied",
	Short: "🔥 Mark a hot update as applied on a running server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMark(cmd, "hmr applied", (*client.Marker).HMRApplied, func(t client.BuildTimes) int64 { return t.HMRApplied })
	},
}

func init() {
	rootCmd.AddCommand(buildStartCmd)
	rootCmd.AddCommand(hmrAppliedCmd)
	addClientFlags(buildStartCmd)
	addClientFlags(hmrAppliedCmd)
}

type markFunc func(*client.Marker, context.Context) (client.BuildTimes, error)

func runMark(cmd *cobra.Command, label string, mark markFunc, stamp func(client.BuildTimes) int64) error {
	marker, err := client.NewMarker(serverURL, authToken)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	times, err := mark(marker, ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ %s at %s\n", label, time.UnixMilli(stamp(times)).Format(time.RFC3339Nano))
	return nil
}
