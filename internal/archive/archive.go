// Package archive exports finalized run records as JSON documents to a blob
// store so completed runs can be inspected long after the database rows are
// pruned. The Archiver plugs into the sink tap and only reacts to the
// terminal channels.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/runlens/runlens/internal/events"
)

// BlobStore abstracts the destination of archived run documents. It keeps the
// archiver independent of a specific backend (GCS, local filesystem, memory).
type BlobStore interface {
	// PutObject persists data under path and returns the resulting URI.
	PutObject(ctx context.Context, path, contentType string, data io.Reader) (string, error)
}

const archiveContentType = "application/json"

// Archiver writes one JSON document per completed run.
type Archiver struct {
	store  BlobStore
	prefix string
	logger *zap.Logger
}

// New builds an Archiver writing under prefix (e.g. "runs").
func New(store BlobStore, prefix string, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "runs"
	}
	return &Archiver{store: store, prefix: prefix, logger: logger}
}

// Consume archives every finalized run in the batch. Non-terminal events are
// ignored. A failed upload is returned so the tap logs it, but it never stops
// later batches.
func (a *Archiver) Consume(ctx context.Context, batch []events.Event) error {
	if a == nil || a.store == nil {
		return nil
	}
	for _, evt := range batch {
		if evt.Channel != events.ChanPerfCompleted && evt.Channel != events.ChanScenarioCompleted {
			continue
		}
		p, ok := evt.Payload.(events.RunCompleted)
		if !ok {
			continue
		}
		doc, err := json.MarshalIndent(p.Run, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal run %s: %w", p.Run.ID, err)
		}
		path := fmt.Sprintf("%s/%s/%s.json", a.prefix, p.Run.Kind, p.Run.ID)
		uri, err := a.store.PutObject(ctx, path, archiveContentType, bytes.NewReader(doc))
		if err != nil {
			return fmt.Errorf("archive run %s: %w", p.Run.ID, err)
		}
		a.logger.Info("run archived",
			zap.String("run_id", p.Run.ID),
			zap.String("uri", uri))
	}
	return nil
}

// Close implements the sink interface; it performs no action.
func (a *Archiver) Close(context.Context) error {
	return nil
}
