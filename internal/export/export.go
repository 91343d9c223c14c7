// Package export snapshots the agent's local state so an operator can
// inspect or archive what is waiting to sync.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/wolfman30/barber-sync/internal/appointments"
	"github.com/wolfman30/barber-sync/internal/syncqueue"
	"github.com/wolfman30/barber-sync/pkg/logging"
)

// S3API is the subset of the S3 client used by Exporter.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Source supplies the state captured in a snapshot.
type Source interface {
	Load(ctx context.Context) ([]appointments.Appointment, error)
	List(ctx context.Context) ([]syncqueue.Action, error)
	Counts(ctx context.Context) (syncqueue.Counts, error)
}

// Snapshot is the exported document.
type Snapshot struct {
	Namespace    string                     `json:"namespace"`
	GeneratedAt  time.Time                  `json:"generated_at"`
	Appointments []appointments.Appointment `json:"appointments"`
	Actions      []syncqueue.Action         `json:"actions"`
	Counts       syncqueue.Counts           `json:"counts"`
}

// Exporter builds snapshots and optionally uploads them. With no bucket it
// still renders JSON but Upload is a no-op.
type Exporter struct {
	source    Source
	s3Client  S3API
	bucket    string
	namespace string
	logger    *logging.Logger
	now       func() time.Time
}

// New creates an Exporter.
func New(source Source, s3Client S3API, bucket, namespace string, logger *logging.Logger) *Exporter {
	if logger == nil {
		logger = logging.Default()
	}
	if namespace == "" {
		namespace = "default"
	}
	return &Exporter{
		source:    source,
		s3Client:  s3Client,
		bucket:    bucket,
		namespace: namespace,
		logger:    logger.Component("export"),
		now:       time.Now,
	}
}

// Enabled reports whether uploads go anywhere.
func (e *Exporter) Enabled() bool {
	return e != nil && e.bucket != "" && e.s3Client != nil
}

// Build captures the current local state.
func (e *Exporter) Build(ctx context.Context) (Snapshot, error) {
	appts, err := e.source.Load(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("export: load appointments: %w", err)
	}
	actions, err := e.source.List(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("export: list actions: %w", err)
	}
	counts, err := e.source.Counts(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("export: counts: %w", err)
	}
	if appts == nil {
		appts = []appointments.Appointment{}
	}
	if actions == nil {
		actions = []syncqueue.Action{}
	}
	return Snapshot{
		Namespace:    e.namespace,
		GeneratedAt:  e.now().UTC(),
		Appointments: appts,
		Actions:      actions,
		Counts:       counts,
	}, nil
}

// WriteJSON renders a fresh snapshot to w.
func (e *Exporter) WriteJSON(ctx context.Context, w io.Writer) error {
	snap, err := e.Build(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

// Upload writes a snapshot to S3 and returns its key. It returns "" when
// exporting is disabled.
func (e *Exporter) Upload(ctx context.Context) (string, error) {
	if !e.Enabled() {
		return "", nil
	}
	snap, err := e.Build(ctx)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("export: marshal snapshot: %w", err)
	}

	key := Key(e.namespace, snap.GeneratedAt)
	_, err = e.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("export: s3 put %s: %w", key, err)
	}
	e.logger.Info("snapshot exported",
		"s3_key", key,
		"appointments", len(snap.Appointments),
		"actions", len(snap.Actions),
	)
	return key, nil
}

// Key is the object key for a snapshot taken at t.
func Key(namespace string, t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("snapshots/%s/%d/%02d/%02d/%s.json",
		namespace, t.Year(), t.Month(), t.Day(), t.Format("150405.000"))
}
