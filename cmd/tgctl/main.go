package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"
	"go.uber.org/zap"
	"golang.org/x/text/message"

	"github.com/takehaya/tgctl/pkg/api"
	"github.com/takehaya/tgctl/pkg/config"
	"github.com/takehaya/tgctl/pkg/controller"
	"github.com/takehaya/tgctl/pkg/rate"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
	builtBy = "unknown"
)

func main() {
	app := newApp(version)
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("%+v", err)
	}
}

func newApp(version string) *cli.App {
	app := cli.NewApp()
	app.Name = "tgctl"
	app.Version = fmt.Sprintf("%s, %s, %s, %s", version, commit, date, builtBy)

	app.Usage = "control plane for a switch based network traffic generator"

	app.EnableBashCompletion = true
	app.Commands = []cli.Command{
		{
			Name:  "serve",
			Usage: "program the switch and serve the REST API",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "config, c",
					Value: "/etc/tgctl/tgctl.yaml",
					Usage: "config file path",
				},
				cli.StringFlag{
					Name:  "listen, l",
					Usage: "api listen address, overrides api.listen",
				},
				cli.IntFlag{
					Name:  "verbose, v",
					Value: -1,
					Usage: "log level (0: info, 1: debug), overrides logger.verbose",
				},
				cli.BoolFlag{
					Name:  "stats, s",
					Usage: "print per port rates to stdout",
				},
			},
			Action: serve,
		},
		{
			Name:      "solve",
			Usage:     "print the burst and timer used for a target rate",
			ArgsUsage: "<rate>",
			Flags: []cli.Flag{
				cli.UintFlag{
					Name:  "frame-size, f",
					Value: 64,
					Usage: "frame size in bytes without preamble and inter frame gap",
				},
				cli.UintFlag{
					Name:  "max-burst, b",
					Value: 100,
					Usage: "largest burst to consider",
				},
				cli.BoolFlag{
					Name:  "mpps",
					Usage: "rate is given in Mpps instead of Gbit/s",
				},
			},
			Action: solve,
		},
	}
	return app
}

func serve(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if l := c.String("listen"); l != "" {
		cfg.API.Listen = l
	}
	if v := c.Int("verbose"); v >= 0 {
		cfg.Logger.Verbose = v
	}
	if c.Bool("stats") {
		cfg.Stats.Enabled = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctrl, err := controller.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed init controller: %w", err)
	}
	defer ctrl.Close()

	if err := ctrl.Start(ctx); err != nil {
		return err
	}

	srv := api.NewServer(ctrl.Logger.Named("api"), cfg.API.Listen, ctrl)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		ctrl.Logger.Info("shutting down")
	case err = <-errCh:
		if err != nil {
			ctrl.Logger.Error("api server stopped", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		ctrl.Logger.Warn("failed to shutdown api server", zap.Error(serr))
	}
	return err
}

func solve(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("rate is required", 1)
	}
	var target float64
	if _, err := fmt.Sscanf(c.Args().First(), "%g", &target); err != nil || target <= 0 {
		return cli.NewExitError(fmt.Sprintf("invalid rate %q", c.Args().First()), 1)
	}

	frameSize := uint32(c.Uint("frame-size"))
	if c.Bool("mpps") {
		target = rate.MppsToGbps(target, frameSize)
	}
	sol := rate.Solve(target, frameSize+rate.Overhead, uint16(c.Uint("max-burst")))

	p := message.NewPrinter(message.MatchLanguage("en"))
	p.Printf("target:   %.4f Gbps\n", target)
	p.Printf("burst:    %d packets\n", sol.Packets)
	p.Printf("timer:    %d ns\n", sol.Timeout)
	p.Printf("achieved: %.4f Gbps\n", sol.Rate(frameSize+rate.Overhead))
	return nil
}
