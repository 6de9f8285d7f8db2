package cli

import (
	"fmt"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/devicelab-dev/appquery/pkg/agent"
	"github.com/devicelab-dev/appquery/pkg/config"
	"github.com/devicelab-dev/appquery/pkg/core"
	"github.com/devicelab-dev/appquery/pkg/driver"
	"github.com/devicelab-dev/appquery/pkg/logger"
	"github.com/devicelab-dev/appquery/pkg/selector"
)

// session is the per-command state built from config and global flags.
type session struct {
	cfg    *config.Config
	client *agent.Client
	driver *driver.Driver
	log    *zap.Logger
}

// loadConfig reads --config or the working directory config, then applies
// global flag overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path := c.String("config"); path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadFromDir(".")
	}
	if err != nil {
		return nil, err
	}

	if c.IsSet("agent-url") {
		cfg.AgentURL = c.String("agent-url")
	}
	if c.IsSet("platform") {
		cfg.Platform = c.String("platform")
	}
	if c.IsSet("timeout") {
		cfg.Timeout = config.Duration(c.Duration("timeout"))
	}
	if c.IsSet("log-file") {
		cfg.LogFile = c.String("log-file")
	}
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// setupLogging routes logs to --log-file, or to stderr with --verbose.
func setupLogging(c *cli.Context, cfg *config.Config) error {
	path, err := cfg.LogPath()
	if err != nil {
		return err
	}
	if path != "" {
		return logger.Init(path)
	}
	logger.InitConsole(c.Bool("verbose"))
	return nil
}

func newSession(c *cli.Context) (*session, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	if err := setupLogging(c, cfg); err != nil {
		return nil, err
	}

	log := logger.Named("cli")
	client := agent.NewClient(cfg.AgentURL)
	client.SetLogger(logger.Named("agent"))
	client.SetTimeout(cfg.RequestTimeout.Std())

	d := driver.New(client, client, driver.Options{
		Platform:          cfg.PlatformValue(),
		Timeout:           cfg.Timeout.Std(),
		PollInterval:      cfg.PollInterval.Std(),
		ReconnectAttempts: cfg.ReconnectAttempts,
		Logger:            logger.Named("driver"),
	})
	log.Debug("session", zap.String("agent", client.BaseURL()), zap.String("platform", cfg.Platform))

	return &session{cfg: cfg, client: client, driver: d, log: log}, nil
}

// selectorArg compiles a selector argument: YAML, or @name for a selector
// from the config file.
func (s *session) selectorArg(arg string) (selector.Selector, error) {
	if len(arg) > 1 && arg[0] == '@' {
		return s.cfg.Selector(arg[1:])
	}
	spec, err := selector.ParseSpec(arg)
	if err != nil {
		return selector.Selector{}, err
	}
	return spec.Compile()
}

// platformArgs parses platform arguments, defaulting to the session platform.
func (s *session) platformArgs(args []string) ([]core.Platform, error) {
	if len(args) == 0 {
		return []core.Platform{s.driver.Platform()}, nil
	}
	platforms := make([]core.Platform, 0, len(args))
	for _, a := range args {
		p, err := core.ParsePlatform(a)
		if err != nil {
			return nil, err
		}
		platforms = append(platforms, p)
	}
	return platforms, nil
}
