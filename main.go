// Copyright 2023 Jesus Ruiz. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/goccy/go-json"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"gitlab.com/greyxor/slogor"

	"github.com/hesusruiz/pepproxy/config"
	"github.com/hesusruiz/pepproxy/idm"
	"github.com/hesusruiz/pepproxy/internal/errl"
	"github.com/hesusruiz/pepproxy/internal/run"
	"github.com/hesusruiz/pepproxy/pepproxy"
)

func main() {

	startServices(os.Args[1:])

}

func startServices(args []string) {

	rootFlags := ff.NewFlagSet("globalflags")

	// *************************************************************************************************
	// This is the main command and its flags, which are also available to the subcommands
	// *************************************************************************************************

	configFile := rootFlags.String('c', "config", "", "YAML configuration file. Environment variables PEP_PROXY_* override it")
	debug := rootFlags.Bool('d', "debug", "run in debug mode with more logs enabled")
	nocolor := rootFlags.Bool('n', "nocolor", "disable color output for the logs to stdout")
	noAdmin := rootFlags.BoolLong("noadmin", "do not start the admin server")

	rootCmd := &ff.Command{
		Name:  "pepproxy",
		Usage: "pepproxy [flags] [subcommand]",
		Flags: rootFlags,
		Exec: func(ctx context.Context, args []string) error {

			if len(args) > 0 {
				return errl.Errorf("invalid subcommand: '%s'", args[0])
			}

			logger := config.SetLogger(*debug, *nocolor, os.Getenv("PEP_PROXY_LOG_DATABASE"))
			defer logger.Close()

			cfg, err := config.LoadConfig(*configFile, logger)
			if err != nil {
				return errl.Error(err)
			}

			proxy, err := pepproxy.New(cfg)
			if err != nil {
				return errl.Errorf("error creating the PEP Proxy: %w", err)
			}

			// concurrentGroup collects actors (functions) and runs them concurrently. When one actor (function) returns,
			// all actors are interrupted by calling to their stop function for a graceful shutdown.
			var concurrentGroup run.Group

			pepRun, pepStop, err := pepproxy.PEPServerHandler(proxy)
			if err != nil {
				return errl.Errorf("error starting PEP Proxy server: %w", err)
			}
			concurrentGroup.Add(pepRun, pepStop)

			if !*noAdmin && cfg.AdminAddress != "" {
				adminRun, adminStop, err := pepproxy.AdminServerHandler(proxy)
				if err != nil {
					return errl.Errorf("error starting admin server: %w", err)
				}
				concurrentGroup.Add(adminRun, adminStop)
			}

			// The management of the interrupt signals (ctrl-c and the stop of the container)
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

			concurrentGroup.Add(func() error {
				<-ctx.Done()
				return fmt.Errorf("interrupt signal has been received")
			}, func(error) {
				stop()
			})

			// Everything is ready, start all actors and wait for interrupt signal to gracefully shut down the server.
			err = concurrentGroup.Run()
			if err != nil {
				slog.Info("server stopped", slogor.Err(err))
			}
			slog.Info("server stopped, shutting down gracefully")

			return nil
		},
	}

	// *************************************************************************************************
	// check command, to verify the connection with the IDM
	// *************************************************************************************************

	checkFlags := ff.NewFlagSet("check").SetParent(rootFlags)

	checkCmd := &ff.Command{
		Name:      "check",
		Usage:     "pepproxy [globalflags] check",
		ShortHelp: "check the connection with the IDM and the credentials of the PEP Proxy",
		Flags:     checkFlags,
		Exec: func(ctx context.Context, args []string) error {

			if *nocolor {
				color.NoColor = true
			}

			cfg, err := config.LoadConfig(*configFile, nil)
			if err != nil {
				return errl.Error(err)
			}

			client := idm.New(cfg, &http.Client{Timeout: idm.DefaultTimeout})

			version, err := client.CheckConnection(ctx)
			if err != nil {
				color.Red("IDM %s not reachable: %s", client.URL(), err)
				return errl.Error(err)
			}
			out, _ := json.Marshal(version)
			color.Green("IDM %s reachable: %s", client.URL(), out)

			if cfg.PEP.Username == "" {
				color.Yellow("no PEP credentials configured, skipping authentication")
				return nil
			}

			if err := client.Authenticate(ctx); err != nil {
				color.Red("PEP Proxy authentication failed: %s", err)
				return errl.Error(err)
			}
			color.Green("PEP Proxy authenticated as %s", cfg.PEP.Username)

			return nil
		},
	}
	rootCmd.Subcommands = append(rootCmd.Subcommands, checkCmd)

	// *************************************************************************************************
	// healthcheck command, for the health checks of containers
	// *************************************************************************************************

	healthFlags := ff.NewFlagSet("healthcheck").SetParent(rootFlags)
	healthCode := healthFlags.Int(0, "code", http.StatusOK, "expected HTTP status code")
	healthPath := healthFlags.String(0, "path", "", "path requested, by default the first public path or /")

	healthCmd := &ff.Command{
		Name:      "healthcheck",
		Usage:     "pepproxy [globalflags] healthcheck [--code CODE] [--path PATH]",
		ShortHelp: "request a local path of the proxy and fail if the reply is not the expected one",
		Flags:     healthFlags,
		Exec: func(ctx context.Context, args []string) error {

			cfg, err := config.LoadConfig(*configFile, nil)
			if err != nil {
				return errl.Error(err)
			}

			expected := *healthCode
			if c, err := strconv.Atoi(os.Getenv("HEALTHCHECK_CODE")); err == nil {
				expected = c
			}

			path := *healthPath
			if path == "" {
				path = defaultHealthPath(cfg.PublicPaths)
			}

			status, err := healthCheck(ctx, cfg.Port, path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "An error occurred while performing health check, error: %s\n", err)
				return errl.Error(err)
			}

			fmt.Printf("Performed health check, result %d\n", status)
			if status != expected {
				return errl.Errorf("unexpected status %d, want %d", status, expected)
			}
			return nil
		},
	}
	rootCmd.Subcommands = append(rootCmd.Subcommands, healthCmd)

	// Parse the arguments and flags and select the proper command to execute
	if err := rootCmd.Parse(args, ff.WithEnvVarPrefix("PEP_PROXY")); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Command(rootCmd))

		if errors.Is(err, ff.ErrHelp) {
			os.Exit(0)
		} else {
			fmt.Fprintf(os.Stderr, "error: %s\n", err)
			os.Exit(1)
		}

	}

	// At this moment, the flags have the values either from the environment or from the command line
	if err := rootCmd.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}

	os.Exit(0)
}

// defaultHealthPath is the first public path, without the trailing '*' of a prefix
func defaultHealthPath(publicPaths []string) string {
	if len(publicPaths) == 0 {
		return "/"
	}
	path := strings.TrimSuffix(publicPaths[0], "*")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}

// healthCheck requests the path to the proxy listening in localhost on the given port
func healthCheck(ctx context.Context, port int, path string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	u := fmt.Sprintf("http://localhost:%d%s", port, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	res.Body.Close()
	return res.StatusCode, nil
}
