package dataset

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"flowbase/internal/infra/persistence/sqlite"
	"flowbase/pkg/domain"
)

// Format selects the rendering of an export.
type Format string

// Supported export formats. CSV is the spreadsheet form, one artifact per
// item type.
const (
	FormatJSON   Format = "json"
	FormatCSV    Format = "csv"
	FormatSQLite Format = "sqlite"
)

// Artifact is one rendered export output.
type Artifact struct {
	Key         string
	ContentType string
	SizeBytes   int64
	Payload     []byte
}

// Export reads the given types from the mapping and renders them in the
// requested format. An empty type list exports everything.
func Export(ctx context.Context, m domain.Mapping, types []domain.ItemType, format Format, baseKey string) ([]Artifact, error) {
	if len(types) == 0 {
		types = domain.AllTypes
	}
	state := make(map[domain.ItemType][]domain.Item, len(types))
	for _, typ := range types {
		rows, err := m.Query(ctx, typ)
		if err != nil {
			return nil, err
		}
		state[typ] = rows
	}
	switch format {
	case FormatJSON:
		return renderJSON(state, baseKey)
	case FormatCSV:
		return renderCSV(state, types, baseKey)
	case FormatSQLite:
		return renderSQLite(ctx, state, baseKey)
	default:
		return nil, domain.IOError{Kind: domain.IOKindUnsupported, Path: baseKey, Err: fmt.Errorf("unsupported export format %s", format)}
	}
}

func renderJSON(state map[domain.ItemType][]domain.Item, baseKey string) ([]Artifact, error) {
	out := make(map[string][]domain.Item, len(state))
	for typ, rows := range state {
		if len(rows) == 0 {
			continue
		}
		out[string(typ)] = rows
	}
	payload, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, domain.IOError{Kind: domain.IOKindFailure, Path: baseKey, Err: err}
	}
	return []Artifact{{
		Key:         baseKey + ".json",
		ContentType: "application/json",
		SizeBytes:   int64(len(payload)),
		Payload:     payload,
	}}, nil
}

func renderCSV(state map[domain.ItemType][]domain.Item, types []domain.ItemType, baseKey string) ([]Artifact, error) {
	var artifacts []Artifact
	for _, typ := range types {
		rows := state[typ]
		if len(rows) == 0 {
			continue
		}
		columns := columnUnion(rows)
		buf := &bytes.Buffer{}
		writer := csv.NewWriter(buf)
		if err := writer.Write(columns); err != nil {
			return nil, domain.IOError{Kind: domain.IOKindFailure, Path: baseKey, Err: err}
		}
		for _, row := range rows {
			record := make([]string, len(columns))
			for i, column := range columns {
				record[i] = formatValue(row[column])
			}
			if err := writer.Write(record); err != nil {
				return nil, domain.IOError{Kind: domain.IOKindFailure, Path: baseKey, Err: err}
			}
		}
		writer.Flush()
		if err := writer.Error(); err != nil {
			return nil, domain.IOError{Kind: domain.IOKindFailure, Path: baseKey, Err: err}
		}
		payload := buf.Bytes()
		artifacts = append(artifacts, Artifact{
			Key:         fmt.Sprintf("%s_%s.csv", baseKey, typ),
			ContentType: "text/csv",
			SizeBytes:   int64(len(payload)),
			Payload:     payload,
		})
	}
	return artifacts, nil
}

// columnUnion collects every field name used across the rows, id first.
func columnUnion(rows []domain.Item) []string {
	seen := map[string]bool{"id": true}
	var rest []string
	for _, row := range rows {
		for field := range row {
			if !seen[field] {
				seen[field] = true
				rest = append(rest, field)
			}
		}
	}
	sort.Strings(rest)
	return append([]string{"id"}, rest...)
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func renderSQLite(ctx context.Context, state map[domain.ItemType][]domain.Item, baseKey string) ([]Artifact, error) {
	dir, err := os.MkdirTemp("", "flowbase-export")
	if err != nil {
		return nil, domain.IOError{Kind: domain.IOKindFailure, Path: baseKey, Err: err}
	}
	defer func() { _ = os.RemoveAll(dir) }()
	path := filepath.Join(dir, "export.sqlite")
	store, err := sqlite.NewStore(path, true, false)
	if err != nil {
		return nil, domain.IOError{Kind: domain.IOKindFailure, Path: path, Err: err}
	}
	wrote := false
	for _, typ := range domain.AllTypes {
		rows := state[typ]
		if len(rows) == 0 {
			continue
		}
		if err := store.ReaddItems(ctx, typ, rows); err != nil {
			_ = store.Close()
			return nil, domain.IOError{Kind: domain.IOKindFailure, Path: path, Err: err}
		}
		wrote = true
	}
	if wrote {
		if err := store.Commit(ctx, "export"); err != nil {
			_ = store.Close()
			return nil, domain.IOError{Kind: domain.IOKindFailure, Path: path, Err: err}
		}
	}
	if err := store.Close(); err != nil {
		return nil, domain.IOError{Kind: domain.IOKindFailure, Path: path, Err: err}
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.IOError{Kind: domain.IOKindFailure, Path: path, Err: err}
	}
	return []Artifact{{
		Key:         baseKey + ".sqlite",
		ContentType: "application/vnd.sqlite3",
		SizeBytes:   int64(len(payload)),
		Payload:     payload,
	}}, nil
}
