// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/poiesic/docflow"
	"github.com/poiesic/docflow/config"
	"github.com/poiesic/docflow/core"
	"github.com/poiesic/docflow/ingestion"
	"github.com/poiesic/docflow/metrics"
	"github.com/poiesic/docflow/search"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "docflow",
		Usage: "Move documents through remote parse, chunk and embed stages into a store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML configuration file",
				Value:   "docflow.yaml",
				EnvVars: []string{"DOCFLOW_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Log output format (text, json, pretty)",
				Value: "text",
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Load environment variables from this file before reading the configuration",
				Value: ".env",
			},
		},
		Before: setup,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Process every file the source lists",
				Action: runCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "workers",
						Usage: "Number of files processed at once",
						Value: 1,
					},
					&cli.DurationFlag{
						Name:  "file-pause",
						Usage: "Pause between files (overrides file_pause)",
					},
					&cli.StringFlag{
						Name:  "api-base-url",
						Usage: "Document service base URL (overrides api_base_url)",
					},
					&cli.StringFlag{
						Name:  "metrics-file",
						Usage: "Write prometheus metrics to this textfile when the run ends",
					},
					&cli.BoolFlag{
						Name:  "progress",
						Usage: "Report progress on stderr",
					},
				},
			},
			{
				Name:      "process",
				Usage:     "Process a single source file",
				ArgsUsage: "<key>",
				Action:    processCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "api-base-url",
						Usage: "Document service base URL (overrides api_base_url)",
					},
				},
			},
			{
				Name:   "check",
				Usage:  "Validate the configuration and connect to source and destination",
				Action: checkCommand,
			},
			{
				Name:      "search",
				Usage:     "Search elements stored in a badger destination",
				ArgsUsage: "<query>",
				Action:    searchCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "limit",
						Aliases: []string{"n"},
						Usage:   "Maximum number of hits",
						Value:   5,
					},
					&cli.Float64Flag{
						Name:  "min-similarity",
						Usage: "Minimum cosine similarity of a hit",
						Value: float64(search.DefaultMinSimilarity),
					},
				},
			},
		},
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if url := c.String("api-base-url"); url != "" {
		cfg.APIBaseURL = url
	}
	if c.IsSet("file-pause") {
		cfg.FilePause = c.Duration("file-pause")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runCommand(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	pipelineOpts := []ingestion.Option{ingestion.WithWorkers(c.Int("workers"))}
	if c.Bool("progress") {
		pipelineOpts = append(pipelineOpts, ingestion.WithProgress(c.App.ErrWriter))
	}
	opts := []docflow.Option{docflow.WithLogger(slog.Default())}

	var recorder *metrics.Recorder
	if c.String("metrics-file") != "" {
		if recorder, err = metrics.NewRecorder(); err != nil {
			return err
		}
		opts = append(opts, docflow.WithObserver(recorder))
		pipelineOpts = append(pipelineOpts, ingestion.WithMonitor(recorder))
	}
	opts = append(opts, docflow.WithPipelineOptions(pipelineOpts...))

	flow, err := docflow.NewPipelineFromConfig(ctx, cfg, opts...)
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	defer flow.Close()

	summary, runErr := flow.Run(ctx)

	if recorder != nil {
		if err := recorder.WriteTextfile(c.String("metrics-file")); err != nil {
			slog.Error("failed to write metrics", "err", err)
		}
	}
	if summary != nil {
		printSummary(c.App.Writer, summary)
	}
	if runErr != nil {
		return fmt.Errorf("run aborted: %w", runErr)
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d files failed", summary.Failed, summary.Total)
	}
	return nil
}

func processCommand(c *cli.Context) error {
	key := c.Args().First()
	if key == "" {
		return errors.New("a source key is required")
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	flow, err := docflow.NewPipelineFromConfig(c.Context, cfg, docflow.WithLogger(slog.Default()))
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	defer flow.Close()

	outcome := flow.Pipeline().ProcessFile(c.Context, key)
	if !outcome.Succeeded() {
		return fmt.Errorf("processing %s failed: %w", key, outcome.Err)
	}

	fmt.Fprintf(c.App.Writer, "%s: %s in %s\n", key, outcome.State, outcome.Duration.Round(time.Millisecond))
	if outcome.Stats != nil {
		fmt.Fprintf(c.App.Writer, "  original=%d chunked=%d embedded=%d\n",
			outcome.Stats.OriginalElements, outcome.Stats.ChunkedElements, outcome.Stats.EmbeddedElements)
	}
	return nil
}

func checkCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	flow, err := docflow.NewPipelineFromConfig(c.Context, cfg, docflow.WithLogger(slog.Default()))
	if err != nil {
		return fmt.Errorf("check failed: %w", err)
	}
	if err := flow.Close(); err != nil {
		return fmt.Errorf("check failed: %w", err)
	}

	stages := cfg.Stages()
	fmt.Fprintf(c.App.Writer, "source:      %s\n", cfg.Source.Type)
	fmt.Fprintf(c.App.Writer, "destination: %s\n", cfg.Destination.Type)
	fmt.Fprintf(c.App.Writer, "endpoint:    %s\n", flow.Invoker().Endpoint())
	fmt.Fprintf(c.App.Writer, "stages:      parse=%s chunk=%s/%d embed=%s/%s\n",
		stages.Parse.Provider,
		stages.Chunk.Strategy, stages.Chunk.MaxCharacters,
		stages.Embed.Provider, stages.Embed.ModelName)
	fmt.Fprintln(c.App.Writer, "ok")
	return nil
}

func searchCommand(c *cli.Context) error {
	query := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
	if query == "" {
		return errors.New("a query is required")
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	searcher, err := docflow.NewSearcherFromConfig(cfg,
		docflow.WithLogger(slog.Default()),
		docflow.WithSearchOptions(search.WithMinSimilarity(float32(c.Float64("min-similarity")))))
	if err != nil {
		return fmt.Errorf("failed to open search: %w", err)
	}
	defer searcher.Close()

	results, err := searcher.FindSimilar(c.Context, query, c.Int("limit"))
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	fmt.Fprintf(c.App.Writer, "Found %d hits\n", len(results))
	for i, hit := range results {
		fmt.Fprintf(c.App.Writer, "%d: '%s' (%s#%s)[%0.3f]\n",
			i, truncate(hit.Record.Text, 80), hit.Record.FileName, hit.Record.ElementID, hit.Score)
	}
	return nil
}

func printSummary(w io.Writer, summary *core.RunSummary) {
	fmt.Fprintf(w, "total=%d succeeded=%d failed=%d elapsed=%s\n",
		summary.Total, summary.Succeeded, summary.Failed, summary.Elapsed.Round(time.Millisecond))
	for _, o := range summary.Outcomes {
		if o.Succeeded() {
			continue
		}
		fmt.Fprintf(w, "  failed %s: %v\n", o.Key, o.Err)
	}
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// setup loads the env file and installs the default logger.
func setup(c *cli.Context) error {
	if err := loadEnvFile(c.String("env-file"), c.IsSet("env-file")); err != nil {
		return err
	}

	logger, err := newLogger(c.App.ErrWriter, c.String("log-level"), c.String("log-format"))
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	return nil
}

// loadEnvFile loads path into the environment. A missing file is only an
// error when the path was given explicitly.
func loadEnvFile(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return fmt.Errorf("env file %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("env file %s: %w", path, err)
	}
	return nil
}
