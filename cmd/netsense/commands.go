package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/minio/cli"

	"netsense/internal/config"
	"netsense/internal/handler"
	"netsense/internal/logger"
	"netsense/pkg/api"
	"netsense/pkg/model"
)

const defaultWait = 2 * time.Second

func load(c *cli.Context) (*config.Config, logger.Logger, error) {
	cfg, err := config.Load(c.GlobalString("config"))
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger.New(cfg.LoggerOptions()), nil
}

func printState(st model.State) {
	switch st.Phase {
	case model.PhaseTampered:
		fmt.Println(color.RedString("rule store was modified outside netsense: rule loading is blocked"))
	case model.PhaseReady:
		fmt.Println(color.GreenString("rule store ready"))
	default:
		fmt.Println(color.YellowString("rule store %s", st.Phase))
	}
}

func serveAction(c *cli.Context) error {
	cfg, log, err := load(c)
	if err != nil {
		return err
	}
	if v := c.String("listen"); v != "" {
		cfg.Control.Listen = v
	}
	if v := c.String("devtools"); v != "" {
		cfg.Browser.DevToolsURL = v
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := api.NewService(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer svc.Close()
	printState(svc.State())

	timeout := time.Duration(cfg.Control.RequestTimeoutMS) * time.Millisecond
	srv := &http.Server{
		Addr:              cfg.Control.Listen,
		Handler:           handler.New(svc, timeout, log, handler.WithAllowedOrigins(cfg.Control.AllowedOrigins...)).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	fmt.Println(color.CyanString("control API listening on http://%s", cfg.Control.Listen))

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	fmt.Println(color.YellowString("shutting down"))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stateAction(c *cli.Context) error {
	cfg, log, err := load(c)
	if err != nil {
		return err
	}
	svc, err := api.NewService(context.Background(), cfg, log)
	if err != nil {
		return err
	}
	defer svc.Close()
	printState(svc.State())
	return nil
}

func fetchAction(c *cli.Context) error {
	target := c.Args().First()
	if target == "" {
		return errors.New("missing url argument")
	}
	cfg, log, err := load(c)
	if err != nil {
		return err
	}
	svc, err := api.NewService(context.Background(), cfg, log)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), c.Duration("wait")+5*time.Second)
	defer cancel()
	events := svc.Events(ctx)

	info, client, err := svc.OpenLocalTab(ctx, target)
	if err != nil {
		return err
	}
	if !info.Attached {
		fmt.Println(color.YellowString("%s is not tracked, nothing will be captured", info.Origin))
	}

	res, err := client.Get(target)
	if err != nil {
		fmt.Println(color.RedString("request failed: %v", err))
	} else {
		_, _ = io.Copy(io.Discard, res.Body)
		_ = res.Body.Close()
		fmt.Printf("%s %s\n", color.CyanString("%d", res.StatusCode), target)
	}

	deadline := time.After(c.Duration("wait"))
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			printEvent(evt)
		case <-deadline:
			return nil
		}
	}
}

var (
	red    = color.New(color.FgRed).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
)

func printEvent(evt model.Event) {
	line := fmt.Sprintf("%-10s %s %s %s", evt.Type, evt.Rule, evt.URL, evt.Detail)
	switch evt.Type {
	case model.EventFailed, model.EventTampered:
		line = red(line)
	case model.EventForwarded, model.EventLogged:
		line = green(line)
	case model.EventVetoed:
		line = yellow(line)
	}
	fmt.Println(line)
}
