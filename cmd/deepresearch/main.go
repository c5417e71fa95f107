package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jverneuer/deepresearch/internal/agent"
	"github.com/jverneuer/deepresearch/internal/circuitbreaker"
	"github.com/jverneuer/deepresearch/internal/config"
	"github.com/jverneuer/deepresearch/internal/httpapi"
	"github.com/jverneuer/deepresearch/internal/llm"
	"github.com/jverneuer/deepresearch/internal/ratecontrol"
	"github.com/jverneuer/deepresearch/internal/session"
	"github.com/jverneuer/deepresearch/internal/tools/coderunner"
	"github.com/jverneuer/deepresearch/internal/tools/fetch"
	"github.com/jverneuer/deepresearch/internal/tools/search"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var jsonOut bool

	root := &cobra.Command{
		Use:   "deepresearch [question]",
		Short: "Iterative research agent: search, read, reflect, compute, answer",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			return runQuestion(cmd.Context(), args[0], jsonOut)
		},
	}
	root.Flags().BoolVar(&jsonOut, "json", false, "emit the full result as JSON")
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve an OpenAI-style chat-completions endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServer(cmd.Context())
		},
	}
}

func buildStack(cfg *config.Config, logger *zap.Logger) (*agent.Controller, agent.Request) {
	rates := ratecontrol.NewRegistry()
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(), logger)

	client := llm.NewClient(llm.ClientConfig{
		BaseURL: cfg.LLMBaseURL,
		APIKey:  cfg.OpenAIAPIKey,
		Model:   cfg.ModelFor("agent"),
		Vendor:  cfg.LLMProvider,
	}, rates, breakers, logger)

	var searcher search.Port
	switch cfg.SearchProvider {
	case "brave":
		searcher = search.NewBrave(cfg.BraveAPIKey, rates, logger)
	default:
		searcher = search.NewSerper(cfg.SerperAPIKey, rates, logger)
	}

	controller := agent.New(agent.Deps{
		LLM:          llm.NewGenerator(client, logger),
		Searcher:     searcher,
		Fetcher:      fetch.NewClient(logger),
		Coder:        coderunner.NewRunner(logger),
		Logger:       logger,
		FailureLimit: cfg.FailureLimit,
	})

	defaults := agent.Request{
		TokenBudget:    cfg.TokenBudget,
		MaxBadAttempts: cfg.MaxBadAttempts,
		MaxSteps:       cfg.MaxSteps,
		MaxDuration:    cfg.MaxDuration,
		StepTimeout:    time.Duration(cfg.StepTimeoutMs) * time.Millisecond,
	}
	return controller, defaults
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.LogLevel == "debug" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func runQuestion(ctx context.Context, question string, jsonOut bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	controller, defaults := buildStack(cfg, logger)
	req := defaults
	req.Question = question

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := controller.Research(ctx, req)
	var failed *agent.FailedError
	if errors.As(err, &failed) {
		fmt.Fprintf(os.Stderr, "research failed: %s\n", failed.Reason)
		result = failed.Partial
	} else if err != nil {
		return err
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	fmt.Println(result.Answer)
	if len(result.References) > 0 {
		fmt.Println("\nReferences:")
		for _, ref := range result.References {
			fmt.Printf("  - %s\n    %q\n", ref.URL, ref.ExactQuote)
		}
	}
	fmt.Printf("\n[%d steps, %d tokens, %.1fs]\n",
		result.Metrics.TotalSteps,
		result.Metrics.TokensUsed,
		float64(result.Metrics.DurationMs)/1000)
	return nil
}

func runServer(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	controller, defaults := buildStack(cfg, logger)
	sessions := session.NewRegistry(logger)
	server := httpapi.NewServer(controller, sessions, defaults, logger)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
