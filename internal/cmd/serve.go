package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/farmbuild/farmbuild/internal/config"
	"github.com/farmbuild/farmbuild/internal/observability"
	"github.com/farmbuild/farmbuild/pkg/fileserver"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the local package repository over loopback HTTP",
	Long: `Start the ephemeral repository file server outside a build run, for
inspecting repository contents with a package manager pointed at the
printed URL. The server binds a random loopback port and runs until
interrupted.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var serveRepoBase string

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveRepoBase, "repo-base", "", "Root directory of the local package repository")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	repoBase := fallback(serveRepoBase, config.GetConfig().RepoBase)

	srv := fileserver.New(repoBase)
	host, port, err := srv.Start()
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to start repository server", err)
	}
	defer srv.Stop()

	fmt.Printf("Serving %s at http://%s:%d/\n", repoBase, host, port)
	observability.CLILogger.Info("Repository server started",
		zap.String("root", repoBase),
		zap.String("host", host),
		zap.Int("port", port),
	)

	<-ctx.Done()
	observability.CLILogger.Info("Repository server stopping")
	return nil
}
