package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"invoicerecon/internal"
	"invoicerecon/internal/app"
	"invoicerecon/internal/blob"
	"invoicerecon/internal/config"
	"invoicerecon/internal/ingest"
)

// gcsEvent is the subset of a storage object-finalize payload we use.
type gcsEvent struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

type instance struct {
	app    *app.App
	gcs    *storage.Client
	prefix string
}

var (
	inst    *instance
	once    sync.Once
	initErr error
)

func init() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	functions.CloudEvent("ParseOnUpload", parseOnUpload)
}

func main() {}

func setup(ctx context.Context) (*instance, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	a, err := app.New(ctx, cfg, slog.Default(), true)
	if err != nil {
		return nil, err
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("storage client: %w", err)
	}
	return &instance{app: a, gcs: client, prefix: cfg.InboxPrefix}, nil
}

func parseOnUpload(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		inst, initErr = setup(context.Background())
	})
	if initErr != nil {
		slog.Error("Function initialization failed.", "error", initErr)
		return initErr
	}

	var ev gcsEvent
	if err := json.Unmarshal(e.Data(), &ev); err != nil {
		slog.Error("Failed to unmarshal event data.", "error", err, "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}
	logCtx := slog.With("bucket", ev.Bucket, "object", ev.Name, "eventId", e.ID())
	if !accepts(ev.Name, inst.prefix) {
		logCtx.Info("Object ignored.")
		return nil
	}

	content, err := blob.ReadObject(ctx, inst.gcs, ev.Bucket, ev.Name)
	if err != nil {
		return err
	}
	reg, err := inst.app.Ingest.Register(ctx, ingest.Upload{
		Filename: path.Base(ev.Name),
		Content:  content,
		Source:   "gcs:" + ev.Bucket,
	})
	if err != nil {
		return err
	}
	if reg.Duplicate && reg.Document.Status != internal.DocumentUploaded {
		logCtx.Info("Duplicate upload, not parsing again.", "documentId", reg.Document.ID, "status", reg.Document.Status)
		return nil
	}

	run, res, err := inst.app.Orchestrator.RunDocument(ctx, reg.Document.ID)
	if err != nil {
		return err
	}
	logCtx.Info("Upload parsed.", "documentId", reg.Document.ID, "parseRunId", run.ID, "status", res.Status)
	return nil
}

// accepts reports whether an object name is a PDF below the inbox prefix.
func accepts(name, prefix string) bool {
	if !strings.HasSuffix(strings.ToLower(name), ".pdf") {
		return false
	}
	return prefix == "" || strings.HasPrefix(name, prefix)
}
