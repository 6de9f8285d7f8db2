// Package cli provides the command-line interface for appquery.
package cli

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/appquery/pkg/config"
	"github.com/devicelab-dev/appquery/pkg/logger"
)

// Version is set at build time.
var Version = "dev"

// GlobalFlags are available to all commands.
var GlobalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "agent-url",
		Aliases: []string{"u"},
		Usage:   "Agent base URL",
		EnvVars: []string{"APPQUERY_AGENT_URL"},
	},
	&cli.StringFlag{
		Name:    "platform",
		Aliases: []string{"p"},
		Usage:   "Platform to query (maui, android, ios, maccatalyst, winappsdk)",
		EnvVars: []string{"APPQUERY_PLATFORM"},
	},
	&cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Config file (default: config.yaml in the working directory)",
		EnvVars: []string{"APPQUERY_CONFIG"},
	},
	&cli.DurationFlag{
		Name:    "timeout",
		Aliases: []string{"t"},
		Usage:   "Resolution timeout",
		EnvVars: []string{"APPQUERY_TIMEOUT"},
	},
	&cli.BoolFlag{
		Name:    "verbose",
		Usage:   "Enable verbose logging",
		EnvVars: []string{"APPQUERY_VERBOSE"},
	},
	&cli.StringFlag{
		Name:    "log-file",
		Usage:   "Write debug logs to a file (\"default\" for $APPQUERY_HOME/logs/appquery.log)",
		EnvVars: []string{"APPQUERY_LOG_FILE"},
	},
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "appquery",
		Usage:   "Query and drive a running application through its automation agent",
		Version: Version,
		Description: `appquery finds UI elements in a running application with selectors,
waits for them under a resolution policy, and performs actions on them.

Examples:
  appquery tree
  appquery find 'automationId: buttonOne'
  appquery find --policy all-matches 'type: Label'
  appquery perform btn-inc tap
  appquery serve-mock --tree app.yaml`,
		Flags: GlobalFlags,
		Commands: []*cli.Command{
			treeCommand,
			windowsCommand,
			findCommand,
			performCommand,
			serveMockCommand,
		},
		After: func(c *cli.Context) error {
			logger.Close()
			return nil
		},
	}
}

// Execute runs the CLI.
func Execute() {
	// .env must be loaded before flags read their EnvVars.
	if _, err := config.LoadEnv("."); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
