package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/petervdpas/peershare/internal/app"
	"github.com/petervdpas/peershare/internal/config"
	"github.com/petervdpas/peershare/internal/util"
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	a := &cli.App{
		Name:    "peershare",
		Usage:   "one-to-one audio, video and screen sharing over WebRTC",
		Version: appVersion,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "config file (yaml or json); defaults and PEERSHARE_* env apply without one",
				EnvVars: []string{"PEERSHARE_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override log.level (debug, info, warn, error)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "host",
				Usage: "start a session and wait for a peer to join",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "open", Usage: "open the control surface in a browser"},
					&cli.BoolFlag{Name: "with-broker", Usage: "run a broker on broker.listen as well"},
				},
				Action: func(c *cli.Context) error {
					return run(c, app.Options{
						Mode:        app.ModeHost,
						Open:        c.Bool("open"),
						EmbedBroker: c.Bool("with-broker"),
					})
				},
			},
			{
				Name:      "join",
				Usage:     "join the session of a host",
				ArgsUsage: "<session-id | join link>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "open", Usage: "open the control surface in a browser"},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.Exit("join requires a session id", 2)
					}
					id, err := util.ValidateSessionID(c.Args().First())
					if err != nil {
						return cli.Exit(err.Error(), 2)
					}
					return run(c, app.Options{
						Mode:     app.ModeJoin,
						RemoteID: id,
						Open:     c.Bool("open"),
					})
				},
			},
			{
				Name:  "broker",
				Usage: "run the signaling broker",
				Action: func(c *cli.Context) error {
					return run(c, app.Options{Mode: app.ModeBroker})
				},
			},
			{
				Name:      "init",
				Usage:     "write a default config file unless one exists",
				ArgsUsage: "<path>",
				Action:    initConfig,
			},
		},
	}

	if err := a.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return config.Config{}, err
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.Log.Level = lvl
		if err := cfg.Validate(); err != nil {
			return config.Config{}, err
		}
	}
	return cfg, nil
}

func run(c *cli.Context, opt app.Options) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	opt.Cfg = cfg
	opt.CfgPath = c.String("config")

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, opt); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func initConfig(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		path = c.String("config")
	}
	if path == "" {
		return cli.Exit("init requires a path", 2)
	}
	_, created, err := config.Ensure(path)
	if err != nil {
		return err
	}
	if created {
		fmt.Printf("Wrote default config to %s\n", path)
	} else {
		fmt.Printf("%s already exists\n", path)
	}
	return nil
}
