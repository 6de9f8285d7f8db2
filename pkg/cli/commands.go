package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devicelab-dev/appquery/pkg/agent"
	"github.com/devicelab-dev/appquery/pkg/config"
	"github.com/devicelab-dev/appquery/pkg/core"
	"github.com/devicelab-dev/appquery/pkg/driver"
	"github.com/devicelab-dev/appquery/pkg/driver/mock"
	"github.com/devicelab-dev/appquery/pkg/logger"
	"github.com/devicelab-dev/appquery/pkg/resolver"
)

func jsonFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:  "json",
		Usage: "Print JSON instead of text",
	}
}

var treeCommand = &cli.Command{
	Name:      "tree",
	Usage:     "Print the element tree of one or more platforms",
	ArgsUsage: "[platform...]",
	Description: `Fetch the application contexts with their full subtrees.
Several platforms are fetched concurrently.

Examples:
  appquery tree
  appquery tree maui android
  appquery tree --json`,
	Flags:  []cli.Flag{jsonFlag()},
	Action: runTree,
}

var windowsCommand = &cli.Command{
	Name:   "windows",
	Usage:  "List the application contexts without their subtrees",
	Flags:  []cli.Flag{jsonFlag()},
	Action: runWindows,
}

var findCommand = &cli.Command{
	Name:      "find",
	Usage:     "Resolve a selector under a policy",
	ArgsUsage: "<selector-yaml|@name>",
	Description: `Poll the agent until the policy is satisfied or the timeout passes.

Policies: exactly-one (default), first-match, all-matches, none-match, any-match.

Examples:
  appquery find 'automationId: buttonOne'
  appquery find --policy first-match 'Current count'
  appquery find --scope page-1 '{type: Button}'
  appquery find @counter`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "policy",
			Usage: "Resolution policy",
			Value: resolver.ExactlyOne.String(),
		},
		&cli.StringFlag{
			Name:  "scope",
			Usage: "Only search below the element with this id",
		},
		jsonFlag(),
	},
	Action: runFind,
}

var performCommand = &cli.Command{
	Name:      "perform",
	Usage:     "Perform an action on an element id",
	ArgsUsage: "<elementId> <action> [args...]",
	Description: `Actions: tap, double-tap, long-press [ms], input-text <text>, clear-text,
swipe <direction>, scroll [direction], get-property <name>.

Examples:
  appquery perform btn-inc tap
  appquery perform entry-name input-text "Ada"
  appquery perform lbl-count get-property text`,
	Action: runPerform,
}

var serveMockCommand = &cli.Command{
	Name:  "serve-mock",
	Usage: "Serve an in-memory application over the agent protocol",
	Description: `Load element trees from YAML and serve them like a real agent,
for trying selectors without a device.

Examples:
  appquery serve-mock --tree app.yaml
  appquery serve-mock --tree app.yaml --addr 127.0.0.1:9000 --delay 50ms`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "tree",
			Usage:    "YAML file with the element trees",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "addr",
			Usage: "Listen address",
			Value: "127.0.0.1:10882",
		},
		&cli.DurationFlag{
			Name:  "delay",
			Usage: "Latency added to every call",
		},
		&cli.BoolFlag{
			Name:  "flat",
			Usage: "Stream descendants without nesting",
		},
	},
	Action: runServeMock,
}

func runTree(c *cli.Context) error {
	s, err := newSession(c)
	if err != nil {
		return err
	}
	platforms, err := s.platformArgs(c.Args().Slice())
	if err != nil {
		return err
	}

	trees := make([][]core.Element, len(platforms))
	g, ctx := errgroup.WithContext(c.Context)
	for i, p := range platforms {
		i, p := i, p
		g.Go(func() error {
			roots, err := s.driver.WithPlatform(p).Tree(ctx)
			if err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
			trees[i] = roots
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	w := c.App.Writer
	if c.Bool("json") {
		out := make(map[core.Platform][]core.Element, len(platforms))
		for i, p := range platforms {
			out[p] = trees[i]
		}
		return writeJSON(w, out)
	}
	for i, p := range platforms {
		if len(platforms) > 1 {
			fmt.Fprintf(w, "%s:\n", p)
		}
		for _, root := range trees[i] {
			printTree(w, root)
		}
	}
	return nil
}

func runWindows(c *cli.Context) error {
	s, err := newSession(c)
	if err != nil {
		return err
	}
	windows, err := s.driver.Windows(c.Context)
	if err != nil {
		return err
	}
	if c.Bool("json") {
		return writeJSON(c.App.Writer, windows)
	}
	for _, win := range windows {
		fmt.Fprintln(c.App.Writer, win.Describe())
	}
	return nil
}

func runFind(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("find takes exactly one selector, got %d", c.NArg())
	}
	s, err := newSession(c)
	if err != nil {
		return err
	}
	sel, err := s.selectorArg(c.Args().First())
	if err != nil {
		return err
	}
	policy, err := resolver.ParsePolicy(c.String("policy"))
	if err != nil {
		return err
	}

	res, err := s.driver.Resolve(c.Context, resolver.Request{
		Selector: sel,
		Policy:   policy,
		ScopeID:  c.String("scope"),
		Timeout:  s.cfg.Timeout.Std(),
	})
	s.log.Debug("find", zap.Stringer("selector", sel), zap.String("result", driver.Describe(res)))
	if err != nil {
		return err
	}

	w := c.App.Writer
	if c.Bool("json") {
		return writeJSON(w, res.Matches)
	}
	for _, m := range res.Matches {
		fmt.Fprintln(w, m.Describe())
	}
	fmt.Fprintln(w, driver.Describe(res))
	return nil
}

func runPerform(c *cli.Context) error {
	if c.NArg() < 2 {
		return fmt.Errorf("usage: perform <elementId> <action> [args...]")
	}
	s, err := newSession(c)
	if err != nil {
		return err
	}
	args := c.Args().Slice()
	res := s.driver.Perform(c.Context, args[0], args[1], args[2:]...)
	fmt.Fprintln(c.App.Writer, res.String())
	return res.Err()
}

func runServeMock(c *cli.Context) error {
	if err := setupLogging(c, &config.Config{LogFile: c.String("log-file")}); err != nil {
		return err
	}

	h, err := newMockHandler(c.String("tree"), mock.Config{
		Delay: c.Duration("delay"),
		Flat:  c.Bool("flat"),
	})
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", c.String("addr"))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "mock agent listening on http://%s\n", ln.Addr())

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, ln, h)
}

// newMockHandler loads a tree file and exposes it over the agent protocol.
func newMockHandler(path string, cfg mock.Config) (http.Handler, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- user-provided tree file
	if err != nil {
		return nil, err
	}
	app, err := mock.LoadTree(data, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return agent.NewHandler(app, app, logger.Named("mock")), nil
}

// serve runs h on ln until ctx is done, then shuts down gracefully.
func serve(ctx context.Context, ln net.Listener, h http.Handler) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// printTree writes one element per line, indented by depth.
func printTree(w io.Writer, root core.Element) {
	root.Walk(func(el core.Element, depth int) bool {
		fmt.Fprintf(w, "%s%s\n", strings.Repeat("  ", depth), el.Describe())
		return true
	})
}

func writeJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
