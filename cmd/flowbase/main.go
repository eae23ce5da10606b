// Command flowbase opens a database, optionally imports a JSON payload,
// commits the session and exports the contents as artifacts to the
// configured blob store. It is the batch front end to the connection
// manager; interactive clients embed the manager directly.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"flowbase/internal/blob"
	"flowbase/internal/core"
	"flowbase/internal/dataset"
	"flowbase/pkg/domain"
)

func main() {
	var (
		url        = flag.String("url", "", "database url (memory://, sqlite://path, postgres://...)")
		create     = flag.Bool("create", false, "create the database if it does not exist")
		upgrade    = flag.Bool("upgrade", false, "migrate an older on-disk schema")
		importPath = flag.String("import", "", "JSON payload file to import")
		message    = flag.String("commit", "", "commit the session under this message")
		format     = flag.String("export", "", "export format: json, csv or sqlite")
		types      = flag.String("types", "", "comma-separated item types to export (default all)")
		baseKey    = flag.String("key", "flowbase-export", "base key for export artifacts")
		verbose    = flag.Bool("verbose", false, "enable debug logging")
	)
	flag.Parse()

	if *url == "" {
		fmt.Fprintln(os.Stderr, "flowbase: -url is required")
		flag.Usage()
		os.Exit(2)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := core.SlogLogger{L: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))}

	if err := run(*url, *create, *upgrade, *importPath, *message, *format, *types, *baseKey, logger); err != nil {
		logger.Error("flowbase failed", "error", err)
		os.Exit(1)
	}
}

func run(url string, create, upgrade bool, importPath, message, format, typeList, baseKey string, logger core.SlogLogger) error {
	m := core.NewManager(
		core.WithLogger(logger),
		core.WithErrorFunc(func(errs map[*core.Connection][]string) {
			for conn, msgs := range errs {
				for _, msg := range msgs {
					logger.Warn("row rejected", "url", conn.URL(), "reason", msg)
				}
			}
		}),
	)
	defer func() {
		if err := m.CloseAll(); err != nil {
			logger.Warn("close", "error", err)
		}
	}()

	conn, err := m.GetConnection(url, create, upgrade)
	if err != nil {
		return fmt.Errorf("open %s: %w", url, err)
	}

	if importPath != "" {
		payload, err := readPayload(importPath)
		if err != nil {
			return err
		}
		if err := m.ImportData(map[*core.Connection]dataset.Payload{conn: payload}, "import "+importPath); err != nil {
			return fmt.Errorf("import: %w", err)
		}
		logger.Info("payload imported", "file", importPath)
	}

	if message != "" {
		if err := m.CommitSession(message, conn); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		logger.Info("session committed", "message", message)
	}

	if format != "" {
		selected, err := parseTypes(typeList)
		if err != nil {
			return err
		}
		artifacts, err := m.ExportData(conn, selected, dataset.Format(format), baseKey)
		if err != nil {
			return fmt.Errorf("export: %w", err)
		}
		ctx := context.Background()
		store, err := blob.Open(ctx)
		if err != nil {
			return fmt.Errorf("open blob store: %w", err)
		}
		if err := m.Publish(ctx, store, artifacts); err != nil {
			return err
		}
		logger.Info("export finished", "artifacts", len(artifacts), "driver", string(store.Driver()))
	}

	return nil
}

func readPayload(path string) (dataset.Payload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	var payload dataset.Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("parse payload %s: %w", path, err)
	}
	return payload, nil
}

func parseTypes(list string) ([]domain.ItemType, error) {
	if list == "" {
		return nil, nil
	}
	known := make(map[domain.ItemType]bool, len(domain.AllTypes))
	for _, typ := range domain.AllTypes {
		known[typ] = true
	}
	var out []domain.ItemType
	for _, raw := range strings.Split(list, ",") {
		typ := domain.ItemType(strings.TrimSpace(raw))
		if !known[typ] {
			return nil, fmt.Errorf("unknown item type %q", typ)
		}
		out = append(out, typ)
	}
	return out, nil
}
