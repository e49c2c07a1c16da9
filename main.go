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

	"github.com/fatih/color"
	"github.com/rs/zerolog"

	"github.com/fabfab/campusqa/chat"
	"github.com/fabfab/campusqa/config"
	"github.com/fabfab/campusqa/ingestion"
	"github.com/fabfab/campusqa/logging"
	"github.com/fabfab/campusqa/retrieval"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(logging.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty, Output: os.Stderr})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch os.Args[1] {
	case "ingest":
		err = ingestCmd(ctx, cfg, logger, os.Args[2:])
	case "ask":
		err = askCmd(ctx, cfg, logger, os.Args[2:])
	case "serve":
		err = serveCmd(ctx, cfg, logger, os.Args[2:])
	case "reset":
		err = resetCmd(ctx, cfg, logger, os.Args[2:])
	default:
		logger.Error().Str("command", os.Args[1]).Msg("unknown command")
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		logger.Error().Err(err).Str("command", os.Args[1]).Msg("command failed")
		cancel()
		os.Exit(1)
	}
}

func ingestCmd(ctx context.Context, cfg config.Config, logger *zerolog.Logger, args []string) error {
	flags := flag.NewFlagSet("ingest", flag.ExitOnError)
	dataDir := flags.String("dir", cfg.DataDir, "path to directory containing course documents")
	outDir := flags.String("out", cfg.IndexDir, "output directory for the index, chunk store and ledger")
	rebuild := flags.Bool("rebuild", false, "discard staged progress and re-ingest every document")
	if err := flags.Parse(args); err != nil {
		return fmt.Errorf("parse ingest flags: %w", err)
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	svc, err := a.ingestionService()
	if err != nil {
		return err
	}
	if *rebuild {
		if err := svc.Reset(*outDir); err != nil {
			return err
		}
	}

	logger.Info().
		Str("dir", *dataDir).
		Str("provider", strings.ToUpper(cfg.Embeddings.Provider)).
		Str("model", cfg.Embeddings.Model).
		Msg("ingesting course documents")

	summary, err := svc.Ingest(ctx, *dataDir, *outDir)
	if err != nil {
		return fmt.Errorf("ingestion failed: %w", err)
	}
	printSummary(summary)

	if summary.Resumable() {
		return fmt.Errorf("%d document(s) failed and will be retried by the next run", countResumable(summary))
	}
	return nil
}

func askCmd(ctx context.Context, cfg config.Config, logger *zerolog.Logger, args []string) error {
	flags := flag.NewFlagSet("ask", flag.ExitOnError)
	question := flags.String("question", "", "question to ask about the course material")
	course := flags.String("course", "", "only use passages from this course")
	semester := flags.String("semester", "", "only use passages from this semester")
	k := flags.Int("k", 0, "number of passages to retrieve (0 uses the configured default)")
	if err := flags.Parse(args); err != nil {
		return fmt.Errorf("parse ask flags: %w", err)
	}

	if strings.TrimSpace(*question) == "" {
		fmt.Print("Enter your question: ")
		scanner := bufio.NewScanner(os.Stdin)
		if scanner.Scan() {
			*question = scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("read question: %w", err)
		}
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if cfg.Retrieval.Backend == config.BackendSnapshot {
		if _, err := a.library.Open(); err != nil {
			if errors.Is(err, retrieval.ErrNoSnapshot) {
				return fmt.Errorf("no index found in %s, run ingest first: %w", cfg.IndexDir, err)
			}
			return err
		}
	}

	svc, err := a.answerService(ctx)
	if err != nil {
		return err
	}

	resp, err := svc.Ask(ctx, chat.Request{Question: *question, Course: *course, Semester: *semester, K: *k})
	if err != nil {
		return err
	}
	printResponse(resp)
	return nil
}

func serveCmd(ctx context.Context, cfg config.Config, logger *zerolog.Logger, args []string) error {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := flags.String("addr", cfg.HTTPAddr, "HTTP listen address")
	if err := flags.Parse(args); err != nil {
		return fmt.Errorf("parse serve flags: %w", err)
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if _, err := a.library.Open(); err != nil {
		if !errors.Is(err, retrieval.ErrNoSnapshot) {
			return err
		}
		logger.Warn().Str("index", cfg.IndexDir).Msg("no snapshot published yet, /v1/ask answers 503 until ingest runs")
	}

	srv, err := a.server(ctx)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", *addr).Msg("serving http api")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	logger.Info().Msg("shutting down http api")
	return httpServer.Shutdown(shutdownCtx)
}

func resetCmd(ctx context.Context, cfg config.Config, logger *zerolog.Logger, args []string) error {
	flags := flag.NewFlagSet("reset", flag.ExitOnError)
	outDir := flags.String("out", cfg.IndexDir, "output directory whose staged progress is discarded")
	confirmed := flags.Bool("confirm", false, "skip confirmation prompt")
	if err := flags.Parse(args); err != nil {
		return fmt.Errorf("parse reset flags: %w", err)
	}

	if !*confirmed {
		fmt.Print("This discards staged ingestion progress and mirrored data in Postgres/Neo4j. Continue? [y/N]: ")
		scanner := bufio.NewScanner(os.Stdin)
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read confirmation: %w", err)
			}
			logger.Info().Msg("reset aborted")
			return nil
		}
		answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if answer != "y" && answer != "yes" {
			logger.Info().Msg("reset aborted")
			return nil
		}
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	svc, err := a.ingestionService()
	if err != nil {
		return err
	}
	if err := svc.Reset(*outDir); err != nil {
		return err
	}

	purgers, err := a.purgers()
	if err != nil {
		return err
	}
	for _, p := range purgers {
		if err := p.Purge(ctx); err != nil {
			return fmt.Errorf("purge mirrored data: %w", err)
		}
	}

	logger.Info().Int("mirrors", len(purgers)).Msg("ingestion state cleared")
	return nil
}

func printSummary(summary ingestion.Summary) {
	bold := color.New(color.Bold)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	bold.Println("Ingestion summary")
	fmt.Printf("  documents processed: %d\n", summary.DocumentsProcessed)
	fmt.Printf("  documents skipped:   %d\n", summary.DocumentsSkipped)
	fmt.Printf("  chunks created:      %d\n", summary.ChunksCreated)

	if summary.Published {
		green.Printf("  published %s (%d chunks)\n", summary.SnapshotDir, summary.TotalChunks)
	} else {
		yellow.Println("  no snapshot published")
	}

	for _, f := range summary.Failures {
		if f.Resumable {
			yellow.Printf("  retry later  %s: %s\n", f.DocumentID, f.Reason)
		} else {
			red.Printf("  malformed    %s: %s\n", f.DocumentID, f.Reason)
		}
	}
}

func countResumable(summary ingestion.Summary) int {
	n := 0
	for _, f := range summary.Failures {
		if f.Resumable {
			n++
		}
	}
	return n
}

func printResponse(resp chat.Response) {
	fmt.Println(resp.Answer)

	scoreColor := color.New(color.FgGreen)
	switch {
	case resp.AccuracyScore < 0.4:
		scoreColor = color.New(color.FgRed)
	case resp.AccuracyScore < 0.7:
		scoreColor = color.New(color.FgYellow)
	}
	fmt.Println()
	scoreColor.Printf("Accuracy score: %.2f (%s)\n", resp.AccuracyScore, resp.ScoringMethod)

	if len(resp.Sources) > 0 {
		fmt.Println()
		color.New(color.Bold).Println("Sources:")
		for idx, source := range resp.Sources {
			fmt.Printf("%d. %s (course %s, semester %s) score %.3f\n",
				idx+1, source.ChunkID, source.Course, source.Semester, source.Score)
		}
	}
}

func printUsage() {
	fmt.Println("Usage: campusqa <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  ingest   Chunk, embed and index course documents (--dir, --out, --rebuild)")
	fmt.Println("  ask      Answer a question from the indexed material (--question, --course, --semester, --k)")
	fmt.Println("  serve    Run the HTTP API (--addr)")
	fmt.Println("  reset    Discard staged ingestion progress and mirrored data (--confirm)")
}
