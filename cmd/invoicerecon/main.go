package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"invoicerecon/internal/api"
	"invoicerecon/internal/app"
	"invoicerecon/internal/catalog"
	"invoicerecon/internal/config"
	"invoicerecon/internal/ingest"
	"invoicerecon/internal/listener"
	"invoicerecon/internal/pipeline"
)

// needsExtractor lists the commands that parse documents.
var needsExtractor = map[string]bool{
	"serve":       true,
	"ingest":      true,
	"parse":       true,
	"mail:listen": true,
}

func main() {
	cfg, err := config.Load()
	must(err)

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd := os.Args[1]
	a, err := app.New(ctx, cfg, logger, needsExtractor[cmd])
	must(err)
	defer a.Close()

	switch cmd {
	case "serve":
		srv := api.NewServer(ctx, a.DB, a.Ingest, a.Orchestrator, cfg.SuggestMinScore, logger)
		httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: srv.Router(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			<-ctx.Done()
			shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
			defer stop()
			_ = httpSrv.Shutdown(shutdownCtx)
		}()
		logger.Info("HTTP API listening.", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			must(err)
		}
		srv.Wait()
	case "ingest":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		file := fs.String("file", "", "invoice PDF path")
		parse := fs.Bool("parse", true, "parse the document right away")
		_ = fs.Parse(os.Args[2:])
		if strings.TrimSpace(*file) == "" {
			must(fmt.Errorf("--file is required"))
		}
		content, err := os.ReadFile(*file)
		must(err)
		reg, err := a.Ingest.Register(ctx, ingest.Upload{Filename: filepath.Base(*file), Content: content, Source: "cli"})
		must(err)
		fmt.Printf("document id=%s duplicate=%t status=%s\n", reg.Document.ID, reg.Duplicate, reg.Document.Status)
		if *parse {
			run, res, err := a.Orchestrator.RunDocument(ctx, reg.Document.ID)
			must(err)
			printRun(run.ID, res)
		}
	case "parse":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		documentID := fs.String("document", "", "document id to start a new run for")
		runID := fs.String("run", "", "existing parse run id to resume")
		_ = fs.Parse(os.Args[2:])
		switch {
		case *runID != "":
			res, err := a.Orchestrator.Run(ctx, *runID)
			must(err)
			printRun(*runID, res)
		case *documentID != "":
			run, res, err := a.Orchestrator.RunDocument(ctx, *documentID)
			must(err)
			printRun(run.ID, res)
		default:
			must(fmt.Errorf("--document or --run is required"))
		}
	case "delete":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		documentID := fs.String("document", "", "document id")
		_ = fs.Parse(os.Args[2:])
		must(a.Ingest.SoftDelete(ctx, *documentID))
		fmt.Printf("document %s deleted\n", *documentID)
	case "catalog:import":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		file := fs.String("file", "", "products .yaml/.yml/.xlsx")
		_ = fs.Parse(os.Args[2:])
		if strings.TrimSpace(*file) == "" {
			must(fmt.Errorf("--file is required"))
		}
		stats, err := a.Catalog.ImportFile(ctx, *file)
		must(err)
		printImport("import", stats)
	case "catalog:sync":
		stats, err := a.Catalog.Sync(ctx)
		must(err)
		printImport("sync", stats)
	case "mail:fetch":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		provider := fs.String("provider", cfg.MailListenerProvider, "gmail|imap")
		label := fs.String("label", cfg.MailListenerLabel, "mailbox/label")
		max := fs.Int("max", cfg.MailListenerFetchMax, "max messages")
		_ = fs.Parse(os.Args[2:])
		intake, err := a.NewIntake(ctx, *provider)
		must(err)
		if intake == nil {
			must(fmt.Errorf("--provider is required"))
		}
		res, err := intake.FetchAndStore(ctx, *label, *max)
		must(err)
		fmt.Printf("mail fetch done provider=%s fetched=%d stored=%d\n", *provider, res.Fetched, res.Stored)
	case "mail:process":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		provider := fs.String("provider", cfg.MailListenerProvider, "gmail|imap")
		batch := fs.Int("batch", cfg.MailListenerProcessBatch, "batch size")
		_ = fs.Parse(os.Args[2:])
		intake, err := a.NewIntake(ctx, *provider)
		must(err)
		if intake == nil {
			must(fmt.Errorf("--provider is required"))
		}
		res, err := intake.ProcessPending(ctx, *batch)
		must(err)
		fmt.Printf("mail processed=%d ignored=%d failed=%d documents=%d duplicates=%d\n", res.Processed, res.Ignored, res.Failed, res.Registered, res.Duplicates)
	case "mail:listen":
		intake, err := a.NewIntake(ctx, cfg.MailListenerProvider)
		must(err)
		var in listener.Intake
		if intake != nil {
			in = intake
		}
		must(listener.NewService(a.DB, cfg, in, a.Orchestrator, logger).Run(ctx))
	case "export:xlsx":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		runID := fs.String("run", "", "parse run id")
		out := fs.String("out", "", "output xlsx path")
		_ = fs.Parse(os.Args[2:])
		if *runID == "" || strings.TrimSpace(*out) == "" {
			must(fmt.Errorf("--run and --out are required"))
		}
		rows, err := a.DB.GetDiffExportRows(ctx, *runID)
		must(err)
		if len(rows) == 0 {
			must(fmt.Errorf("no diff rows for run %s", *runID))
		}
		index, err := catalog.LoadIndex(ctx, a.DB)
		must(err)
		must(pipeline.ExportDiffXLSX(rows, index, cfg.SuggestMinScore, *out))
		fmt.Printf("exported %d rows to %s\n", len(rows), *out)
	default:
		usage()
		os.Exit(1)
	}
}

func printRun(runID string, res pipeline.FinalizeResult) {
	fmt.Printf("run id=%s status=%s pages=%d/%d failed=%v lines=%d diffs=%d history=%d\n",
		runID, res.Status, res.Stats.SucceededPages, res.Stats.ProcessedPages, res.Stats.FailedPageNos,
		res.Stats.LineItemCount, res.Stats.DiffCount, res.HistoryWritten)
}

func printImport(kind string, stats catalog.ImportStats) {
	fmt.Printf("catalog %s complete created=%d updated=%d prices=%d skipped=%d\n", kind, stats.Created, stats.Updated, stats.Prices, stats.Skipped)
}

func usage() {
	fmt.Println("usage: invoicerecon <command>")
	fmt.Println("commands:")
	fmt.Println("  serve")
	fmt.Println("  ingest --file=invoice.pdf [--parse=false]")
	fmt.Println("  parse --document=ID | --run=ID")
	fmt.Println("  delete --document=ID")
	fmt.Println("  catalog:import --file=products.yaml|products.xlsx")
	fmt.Println("  catalog:sync")
	fmt.Println("  mail:fetch --provider=gmail|imap --label=INBOX --max=20")
	fmt.Println("  mail:process --provider=gmail|imap --batch=10")
	fmt.Println("  mail:listen")
	fmt.Println("  export:xlsx --run=ID --out=./out/diff.xlsx")
}

func must(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
