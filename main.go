package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fabfab/ragbench/api"
	"github.com/fabfab/ragbench/config"
	"github.com/fabfab/ragbench/observability"
	"github.com/fabfab/ragbench/pipeline"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "ingest":
		err = ingestCmd(os.Args[2:])
	case "answer":
		err = answerCmd(os.Args[2:])
	case "judge":
		err = judgeCmd(os.Args[2:])
	case "run":
		err = runCmd(os.Args[2:])
	case "serve":
		err = serveCmd(os.Args[2:])
	case "clear":
		err = clearCmd(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "ragbench %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

// env is what every command needs: configuration, a logger and metrics.
type env struct {
	cfg     config.Config
	logger  *zap.Logger
	metrics *observability.Metrics
}

func setup(cfgPath string) (*env, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return &env{cfg: cfg, logger: logger, metrics: observability.NewMetrics()}, nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func configFlag(flags *flag.FlagSet) *string {
	return flags.String("config", os.Getenv("RAGBENCH_CONFIG"), "path to a YAML config file")
}

// withPipeline loads configuration, builds the pipeline and runs fn under a
// context cancelled by SIGINT/SIGTERM.
func withPipeline(cfgPath string, override func(*config.Config), fn func(ctx context.Context, e *env, p *pipeline.Pipeline) error) error {
	e, err := setup(cfgPath)
	if err != nil {
		return err
	}
	defer func() { _ = e.logger.Sync() }()
	if override != nil {
		override(&e.cfg)
		if err := e.cfg.Validate(); err != nil {
			return err
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	p, err := pipeline.New(ctx, e.cfg, e.logger, e.metrics)
	if err != nil {
		e.logger.Error("pipeline setup failed", zap.Error(err))
		return err
	}
	defer p.Close(context.Background())

	if err := fn(ctx, e, p); err != nil {
		e.logger.Error("command failed", zap.Error(err))
		return err
	}
	return nil
}

func ingestCmd(args []string) error {
	flags := flag.NewFlagSet("ingest", flag.ExitOnError)
	cfgPath := configFlag(flags)
	document := flags.String("file", "", "document to ingest (overrides files.document)")
	recreate := flags.Bool("recreate", false, "drop and recreate the index before ingesting")
	keep := flags.Bool("keep", false, "keep the existing index even when index.recreate is set")
	if err := flags.Parse(args); err != nil {
		return fmt.Errorf("parse ingest flags: %w", err)
	}

	return withPipeline(*cfgPath, func(cfg *config.Config) {
		if *document != "" {
			cfg.Files.Document = *document
		}
	}, func(ctx context.Context, e *env, p *pipeline.Pipeline) error {
		reset := (e.cfg.Index.Recreate || *recreate) && !*keep
		e.logger.Info("building index",
			zap.String("document", e.cfg.Files.Document),
			zap.String("index", e.cfg.Index.Name),
			zap.String("embeddings", strings.ToUpper(e.cfg.Embeddings.Provider)+"/"+e.cfg.Embeddings.Model),
			zap.Bool("recreate", reset))
		_, err := p.Ingest(ctx, reset)
		return err
	})
}

func answerCmd(args []string) error {
	flags := flag.NewFlagSet("answer", flag.ExitOnError)
	cfgPath := configFlag(flags)
	questions := flags.String("questions", "", "question workbook (overrides files.questions)")
	output := flags.String("output", "", "intermediate workbook (overrides files.answers)")
	if err := flags.Parse(args); err != nil {
		return fmt.Errorf("parse answer flags: %w", err)
	}

	return withPipeline(*cfgPath, func(cfg *config.Config) {
		if *questions != "" {
			cfg.Files.Questions = *questions
		}
		if *output != "" {
			cfg.Files.Answers = *output
		}
	}, func(ctx context.Context, e *env, p *pipeline.Pipeline) error {
		e.logger.Info("answering questions", zap.Strings("backends", p.Models()))
		_, err := p.Answer(ctx)
		return err
	})
}

func judgeCmd(args []string) error {
	flags := flag.NewFlagSet("judge", flag.ExitOnError)
	cfgPath := configFlag(flags)
	input := flags.String("input", "", "intermediate workbook (overrides files.answers)")
	outDir := flags.String("out", "", "report directory (overrides files.report_dir)")
	if err := flags.Parse(args); err != nil {
		return fmt.Errorf("parse judge flags: %w", err)
	}

	return withPipeline(*cfgPath, func(cfg *config.Config) {
		if *input != "" {
			cfg.Files.Answers = *input
		}
		if *outDir != "" {
			cfg.Files.ReportDir = *outDir
		}
	}, func(ctx context.Context, e *env, p *pipeline.Pipeline) error {
		summary, err := p.Judge(ctx)
		if err != nil {
			return err
		}
		printFiles(summary)
		return nil
	})
}

func runCmd(args []string) error {
	flags := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := configFlag(flags)
	if err := flags.Parse(args); err != nil {
		return fmt.Errorf("parse run flags: %w", err)
	}

	return withPipeline(*cfgPath, nil, func(ctx context.Context, e *env, p *pipeline.Pipeline) error {
		start := time.Now()
		summary, err := p.Run(ctx)
		if err != nil {
			return err
		}
		e.logger.Info("evaluation complete", zap.String("run_id", summary.RunID), zap.Duration("elapsed", time.Since(start)))
		printFiles(summary)
		return nil
	})
}

func serveCmd(args []string) error {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := configFlag(flags)
	addr := flags.String("addr", "", "listen address (overrides server.addr)")
	if err := flags.Parse(args); err != nil {
		return fmt.Errorf("parse serve flags: %w", err)
	}

	return withPipeline(*cfgPath, func(cfg *config.Config) {
		if *addr != "" {
			cfg.Server.Addr = *addr
		}
	}, func(ctx context.Context, e *env, p *pipeline.Pipeline) error {
		srv := api.New(ctx, p, e.logger, e.metrics, e.cfg.Index.Recreate)
		httpServer := &http.Server{
			Addr:              e.cfg.Server.Addr,
			Handler:           srv,
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			e.logger.Info("http server listening", zap.String("addr", e.cfg.Server.Addr))
			errCh <- httpServer.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		e.logger.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		srv.Wait()
		return nil
	})
}

func clearCmd(args []string) error {
	flags := flag.NewFlagSet("clear", flag.ExitOnError)
	cfgPath := configFlag(flags)
	confirmed := flags.Bool("confirm", false, "skip confirmation prompt")
	if err := flags.Parse(args); err != nil {
		return fmt.Errorf("parse clear flags: %w", err)
	}

	if !*confirmed {
		fmt.Print("This will permanently delete the vector index and evaluation graph. Continue? [y/N]: ")
		scanner := bufio.NewScanner(os.Stdin)
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read confirmation: %w", err)
			}
			fmt.Println("clear aborted")
			return nil
		}
		answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if answer != "y" && answer != "yes" {
			fmt.Println("clear aborted")
			return nil
		}
	}

	return withPipeline(*cfgPath, nil, func(ctx context.Context, e *env, p *pipeline.Pipeline) error {
		return p.Clear(ctx)
	})
}

func printFiles(summary pipeline.Summary) {
	if len(summary.Files) == 0 {
		return
	}
	fmt.Println("Generated files:")
	for _, f := range summary.Files {
		fmt.Printf("- %s\n", f)
	}
}

func printUsage() {
	fmt.Println("Usage: ragbench <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  ingest   Chunk, embed and index the document (skipped when the index is populated)")
	fmt.Println("  answer   Answer every question with every backend and write the intermediate workbook")
	fmt.Println("  judge    Score the intermediate workbook and write per-model and comparison reports")
	fmt.Println("  run      ingest, answer and judge in sequence")
	fmt.Println("  serve    Serve the pipeline over HTTP")
	fmt.Println("  clear    Drop the vector index and evaluation graph")
	fmt.Println("All commands accept --config <file> (or RAGBENCH_CONFIG).")
}
