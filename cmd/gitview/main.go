package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/gitview/pkg/client"
)

func main() {
	root := buildRoot(os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and its subcommands; results are printed to out.
func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	gv := command{global: globalFlags, out: out}

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.AddCommand(
		createServeCommand(gv, &ServeFlags{}),
		createRegisterCommand(gv, &RegisterFlags{}),
		createCloneCommand(gv, &CloneFlags{}),
		createRunCommand(gv, &ProjectFlags{}),
		createStopCommand(gv, &ProjectFlags{}),
		createDeleteCommand(gv, &ProjectFlags{}),
		createStatusCommand(gv, &ProjectFlags{}),
		createListCommand(gv),
		createClassifyCommand(gv),
		createHashTokenCommand(gv),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:           "gitview",
		Short:         "Branch preview server manager",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `Gitview checks out git branches, detects their web stack and runs
a dev server for each one on its own port.

Examples:
  gitview serve --config=gitview.toml
  gitview clone --repo=https://github.com/acme/site.git --branch=feature/login --run
  gitview status --id=feature-login
  gitview status --api-url=http://remote:8080/api`,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", client.DefaultBaseURL, "daemon API URL")
	root.PersistentFlags().StringVar(&flags.Token, "token", os.Getenv("GITVIEW_TOKEN"), "API bearer token (default $GITVIEW_TOKEN)")
	root.PersistentFlags().StringVar(&flags.CACert, "ca-cert", "", "CA certificate used to verify an HTTPS daemon")
	root.PersistentFlags().BoolVar(&flags.Insecure, "insecure", false, "skip TLS certificate verification")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 5*time.Minute, "request timeout; run waits for install and startup")
	return root
}

func createServeCommand(gv command, f *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the gitview daemon",
		Long: `Start the REST API daemon. Projects persisted in the configured store are
loaded on startup; their dev servers are not restarted.

Examples:
  gitview serve
  gitview serve gitview.toml
  gitview serve --config=gitview.toml --daemonize --pidfile=/tmp/gitview.pid --logfile=/tmp/gitview.log`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				gv.global.ConfigPath = args[0]
			}
			return gv.Serve(*f)
		},
	}
	cmd.Flags().BoolVar(&f.Daemonize, "daemonize", false, "run in background")
	cmd.Flags().StringVar(&f.PidFile, "pidfile", "", "write daemon PID to this file")
	cmd.Flags().StringVar(&f.LogFile, "logfile", "", "redirect daemon output to this file")
	return cmd
}

func createRegisterCommand(gv command, f *RegisterFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an existing checkout",
		Long: `Register a directory as a project. The stack is detected immediately.
The directory must be inside the daemon's workspace base_dir, since delete
removes the whole tree.

Examples:
  gitview register --id=main --path=/tmp/gitview/site
  gitview register --id=docs --path=/srv/gitview/docs --origin=https://github.com/acme/docs.git`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return gv.Register(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.ID, "id", "", "project id (required)")
	cmd.Flags().StringVar(&f.Path, "path", "", "source directory inside the workspace (required)")
	cmd.Flags().StringVar(&f.Origin, "origin", "", "origin repository URL")
	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}
	if err := cmd.MarkFlagRequired("path"); err != nil {
		panic(err)
	}
	return cmd
}

func createCloneCommand(gv command, f *CloneFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clone",
		Short: "Clone or refresh a branch and register it",
		Long: `Ask the daemon to clone a branch (or pull it if already checked out) and
register it under the branch-derived id.

Examples:
  gitview clone --repo=https://github.com/acme/site.git --branch=main
  gitview clone --repo=https://github.com/acme/site.git --branch=feature/login --run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return gv.Clone(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Repo, "repo", "", "repository URL (required)")
	cmd.Flags().StringVar(&f.Branch, "branch", "", "branch name (required)")
	cmd.Flags().StringVar(&f.BaseDir, "base-dir", "", "workspace subdirectory name")
	cmd.Flags().BoolVar(&f.Run, "run", false, "start the dev server after registering")
	if err := cmd.MarkFlagRequired("repo"); err != nil {
		panic(err)
	}
	if err := cmd.MarkFlagRequired("branch"); err != nil {
		panic(err)
	}
	return cmd
}

func createRunCommand(gv command, f *ProjectFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Install dependencies and start a project's dev server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return gv.Run(cmd.Context(), *f)
		},
	}
	requireID(cmd, f)
	return cmd
}

func createStopCommand(gv command, f *ProjectFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a project's dev server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return gv.Stop(cmd.Context(), *f)
		},
	}
	requireID(cmd, f)
	return cmd
}

func createDeleteCommand(gv command, f *ProjectFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Stop a project and remove its source tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			return gv.Delete(cmd.Context(), *f)
		},
	}
	requireID(cmd, f)
	return cmd
}

func createStatusCommand(gv command, f *ProjectFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show project status",
		Long: `Show live status for one project, or every record when --id is omitted.

Examples:
  gitview status
  gitview status --id=main`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return gv.Status(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.ID, "id", "", "project id (optional)")
	return cmd
}

func createListCommand(gv command) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return gv.Status(cmd.Context(), ProjectFlags{})
		},
	}
}

func createClassifyCommand(gv command) *cobra.Command {
	return &cobra.Command{
		Use:   "classify <dir>",
		Short: "Detect the stack of a directory locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return gv.Classify(args[0])
		},
	}
}

func createHashTokenCommand(gv command) *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token <token>",
		Short: "Print a bcrypt hash of an API token for the token_hash setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return gv.HashToken(args[0])
		},
	}
}

func requireID(cmd *cobra.Command, f *ProjectFlags) {
	cmd.Flags().StringVar(&f.ID, "id", "", "project id (required)")
	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}
}
