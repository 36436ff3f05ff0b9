// Package archive builds operation-log export bundles and ships them to a
// configurable sink. A bundle is a zip holding the events, a manifest with
// a canonicalized checksum, and a README; the zip's own sha256 is returned
// to the caller for out-of-band verification.
package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/QingyeSC/gcp-billing-manager/pkg/store"
)

// Request selects what goes into a bundle. A zero IdentityID exports every
// identity's events.
type Request struct {
	IdentityID   int64
	IdentityName string
	Start        time.Time
	End          time.Time
}

// Bundle is one finished export.
type Bundle struct {
	ID       string
	Key      string // object key or file name
	Data     []byte
	Checksum string // sha256 of Data
	Events   int
	Location string // where the sink put it, empty when no sink is configured
}

type manifest struct {
	BundleID       string    `json:"bundle_id"`
	Identity       string    `json:"identity,omitempty"`
	GeneratedAt    time.Time `json:"generated_at"`
	PeriodStart    time.Time `json:"period_start,omitempty"`
	PeriodEnd      time.Time `json:"period_end,omitempty"`
	EventCount     int       `json:"event_count"`
	EventsChecksum string    `json:"events_checksum"`
}

// Exporter reads the operation log and produces bundles.
type Exporter struct {
	store *store.Store
	sink  Sink
}

// NewExporter builds the exporter. sink may be nil; bundles are then only
// returned, not shipped.
func NewExporter(st *store.Store, sink Sink) *Exporter {
	return &Exporter{store: st, sink: sink}
}

// Export builds the bundle for the request and ships it when a sink is
// configured.
func (e *Exporter) Export(ctx context.Context, req Request) (*Bundle, error) {
	events, err := e.store.ListEvents(ctx, store.EventFilter{
		IdentityID: req.IdentityID,
		Start:      req.Start,
		End:        req.End,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: failed to read operation log: %w", err)
	}
	if events == nil {
		events = []store.OperationEvent{}
	}

	eventsJSON, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("archive: failed to encode events: %w", err)
	}

	// The checksum is taken over the canonical JSON form, so it survives
	// whitespace and key-order differences between producers.
	canonical, err := jcs.Transform(eventsJSON)
	if err != nil {
		return nil, fmt.Errorf("archive: failed to canonicalize events: %w", err)
	}
	eventsSum := sha256.Sum256(canonical)

	bundleID := uuid.NewString()
	generatedAt := time.Now().UTC()
	manifestJSON, err := json.MarshalIndent(manifest{
		BundleID:       bundleID,
		Identity:       req.IdentityName,
		GeneratedAt:    generatedAt,
		PeriodStart:    req.Start,
		PeriodEnd:      req.End,
		EventCount:     len(events),
		EventsChecksum: hex.EncodeToString(eventsSum[:]),
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("archive: failed to encode manifest: %w", err)
	}

	data, err := buildZip(eventsJSON, manifestJSON, bundleID, generatedAt)
	if err != nil {
		return nil, err
	}
	zipSum := sha256.Sum256(data)

	b := &Bundle{
		ID:       bundleID,
		Key:      fmt.Sprintf("operations-%s-%s.zip", generatedAt.Format("20060102T150405Z"), bundleID),
		Data:     data,
		Checksum: hex.EncodeToString(zipSum[:]),
		Events:   len(events),
	}
	if e.sink != nil {
		location, err := e.sink.Put(ctx, b.Key, data, "application/zip")
		if err != nil {
			return nil, fmt.Errorf("archive: failed to store bundle: %w", err)
		}
		b.Location = location
	}
	return b, nil
}

func buildZip(eventsJSON, manifestJSON []byte, bundleID string, generatedAt time.Time) ([]byte, error) {
	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)

	files := []struct {
		name string
		body []byte
	}{
		{"events.json", eventsJSON},
		{"manifest.json", manifestJSON},
		{"README.txt", []byte(fmt.Sprintf(
			"Operation log export %s\nGenerated at %s\n\nevents.json holds the raw operation events.\nmanifest.json carries the canonical-JSON checksum of events.json.\n",
			bundleID, generatedAt.Format(time.RFC3339)))},
	}
	for _, file := range files {
		f, err := w.Create(file.name)
		if err != nil {
			return nil, fmt.Errorf("archive: failed to add %s: %w", file.name, err)
		}
		if _, err := f.Write(file.body); err != nil {
			return nil, fmt.Errorf("archive: failed to write %s: %w", file.name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("archive: failed to finish zip: %w", err)
	}
	return buf.Bytes(), nil
}
