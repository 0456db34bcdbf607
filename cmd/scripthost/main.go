package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/guseggert/scripthost/agent"
	"github.com/guseggert/scripthost/config"
	"github.com/guseggert/scripthost/host"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func loadConfig(cctx *cli.Context) (*config.Config, *zap.SugaredLogger, error) {
	cfg, err := config.Load(cctx.String("config"))
	if err != nil {
		return nil, nil, err
	}
	if cctx.IsSet("log-level") {
		cfg.LogLevel = cctx.String("log-level")
	}
	logger, err := cfg.Logger()
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger.Sugar(), nil
}

// runBuild runs the configured watch build, if there is one.
func runBuild(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) error {
	if cfg.Build.Script == "" {
		return nil
	}
	w, err := cfg.BuildWatcher(log)
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

// parseArg reads an invocation argument as JSON, falling back to a plain string.
func parseArg(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

// startHost runs the configured build, if any, then starts the script host.
func startHost(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger, observe func(streamName, line string)) (*host.Host, error) {
	if err := runBuild(ctx, cfg, log); err != nil {
		return nil, err
	}
	opts, err := cfg.HostOptions(log)
	if err != nil {
		return nil, err
	}
	opts.OutputObserver = observe
	opts.ProgressWriter = os.Stderr
	return host.Start(ctx, opts)
}

func buildCommand() *cli.Command {
	return &cli.Command{
		Name:  "build",
		Usage: "run the configured build script in watch mode until it reports a completed build",
		Action: func(cctx *cli.Context) error {
			cfg, log, err := loadConfig(cctx)
			if err != nil {
				return err
			}
			if cfg.Build.Script == "" {
				return errors.New("no build script configured")
			}
			return runBuild(cctx.Context, cfg, log)
		},
	}
}

func invokeCommand() *cli.Command {
	return &cli.Command{
		Name:      "invoke",
		Usage:     "start the script host, invoke one function and print its result",
		ArgsUsage: "MODULE [ARG...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "export",
				Aliases: []string{"e"},
				Usage:   "The exported function to call. Defaults to the module's default export.",
			},
			&cli.StringFlag{
				Name:  "agent",
				Usage: "Invoke through a running agent at this host:port instead of starting a host.",
			},
		},
		Action: func(cctx *cli.Context) error {
			if cctx.NArg() == 0 {
				return errors.New("missing module name")
			}
			req := host.Request{
				ModuleName:           cctx.Args().First(),
				ExportedFunctionName: cctx.String("export"),
			}
			for _, a := range cctx.Args().Tail() {
				req.Args = append(req.Args, parseArg(a))
			}

			cfg, log, err := loadConfig(cctx)
			if err != nil {
				return err
			}
			ctx := cctx.Context

			var resp *host.Response
			if addr := cctx.String("agent"); addr != "" {
				client := agent.NewClient(log, addr)
				defer client.Close()
				resp, err = client.Do(ctx, req)
			} else {
				var h *host.Host
				h, err = startHost(ctx, cfg, log, nil)
				if err != nil {
					return err
				}
				defer h.Close()

				if t := cfg.Host.InvocationTimeout; t > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, t)
					defer cancel()
				}
				resp, err = h.Do(ctx, req)
			}
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			log.Debugw("invocation succeeded", "ContentType", resp.ContentType)
			if _, err := io.Copy(os.Stdout, resp.Body); err != nil {
				return fmt.Errorf("writing result: %w", err)
			}
			return nil
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "start the script host and serve it over HTTP until interrupted",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the HTTP server to listen on. Overrides the config.",
			},
		},
		Action: func(cctx *cli.Context) error {
			cfg, log, err := loadConfig(cctx)
			if err != nil {
				return err
			}
			if cctx.IsSet("listen-addr") {
				cfg.Agent.ListenAddr = cctx.String("listen-addr")
			}
			ctx := cctx.Context

			output := agent.NewBroadcaster()
			h, err := startHost(ctx, cfg, log, output.Publish)
			if err != nil {
				return err
			}
			defer h.Close()

			a := agent.New(h,
				agent.WithLogger(log.Desugar()),
				agent.WithListenAddr(cfg.Agent.ListenAddr),
				agent.WithOutput(output),
			)
			stop := context.AfterFunc(ctx, func() {
				if err := a.Stop(); err != nil {
					log.Debugf("error stopping agent: %s", err)
				}
			})
			defer stop()

			go func() {
				select {
				case <-h.Done():
					log.Error("script host exited, stopping agent")
					_ = a.Stop()
				case <-ctx.Done():
				}
			}()

			return a.Run()
		},
	}
}

func main() {
	app := &cli.App{
		Name:  "scripthost",
		Usage: "run JavaScript functions in a supervised runtime process",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML config file.",
				EnvVars: []string{"SCRIPTHOST_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "The log level. Overrides the config.",
			},
		},
		Commands: []*cli.Command{
			buildCommand(),
			invokeCommand(),
			serveCommand(),
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
