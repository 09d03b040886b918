package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCommand().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// newCommand builds the command tree. Command output goes to the root
// command's Writer.
func newCommand() *cli.Command {
	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "config file path",
		Sources: cli.EnvVars("CBS_CONFIG"),
	}

	return &cli.Command{
		Name:    "codebase-search-mcp",
		Usage:   "hybrid code search MCP server",
		Version: version,
		Flags:   []cli.Flag{configFlag},
		Action:  serveAction,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "serve MCP over stdio (default)",
				Action: serveAction,
			},
			{
				Name:      "index",
				Usage:     "index a repository and wait for its generation to publish",
				ArgsUsage: "<path>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "name",
						Usage: "repository name, derived from the path when empty",
					},
				},
				Action: indexAction,
			},
			{
				Name:      "query",
				Usage:     "run a query against the indexed repositories",
				ArgsUsage: "<expression>",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:  "repo",
						Usage: "restrict to these repositories",
					},
					&cli.IntFlag{
						Name:  "preview",
						Usage: "files returned with snippets",
					},
				},
				Action: queryAction,
			},
			{
				Name:   "status",
				Usage:  "show the persisted index state of every repository",
				Action: statusAction,
			},
			{
				Name:      "remove",
				Usage:     "delete a repository's index",
				ArgsUsage: "<name>",
				Action:    removeAction,
			},
		},
	}
}
