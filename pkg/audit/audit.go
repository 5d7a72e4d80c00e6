// Package audit is the optional Audit Sink: a best-effort Firestore
// mirror of completed flow snapshots for operator dashboards. It is
// never authoritative and never on a read path for any spec-numbered
// endpoint — a write failure here is logged and swallowed, the same
// posture spec §7 takes for janitor errors.
package audit

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	gcpfirestore "cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/option"
)

// Snapshot is the denormalized record mirrored to Firestore.
type Snapshot struct {
	FlowID    string    `firestore:"flowId"`
	CircuitID string    `firestore:"circuitId"`
	Phase     string    `firestore:"phase"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

// Config controls whether the sink is active.
type Config struct {
	ProjectID       string
	CredentialsFile string
	Enabled         bool
	Logger          *log.Logger
}

// DefaultConfig reads Config from environment variables, matching the
// teacher's Firestore client defaults.
func DefaultConfig() Config {
	return Config{
		ProjectID:       os.Getenv("FIREBASE_PROJECT_ID"),
		CredentialsFile: os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),
		Enabled:         os.Getenv("AUDIT_FIRESTORE_ENABLED") == "true",
		Logger:          log.New(os.Stdout, "[Audit] ", log.LstdFlags),
	}
}

// Sink mirrors Snapshots to Firestore, or is a no-op when disabled.
type Sink struct {
	client    *gcpfirestore.Client
	enabled   bool
	logger    *log.Logger
	collection string
}

// New constructs a Sink. When cfg.Enabled is false, it returns a Sink
// whose Record method never touches the network.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[Audit] ", log.LstdFlags)
	}
	if !cfg.Enabled {
		return &Sink{enabled: false, logger: cfg.Logger}, nil
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("audit: init firebase app: %w", err)
	}
	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: init firestore client: %w", err)
	}
	return &Sink{client: client, enabled: true, logger: cfg.Logger, collection: "flow_snapshots"}, nil
}

// IsEnabled reports whether this sink actually writes.
func (s *Sink) IsEnabled() bool { return s.enabled }

// Record mirrors a flow snapshot. Failures are logged, never returned,
// since this sink must never affect the engine's correctness.
func (s *Sink) Record(ctx context.Context, snap Snapshot) {
	if !s.enabled {
		return
	}
	_, err := s.client.Collection(s.collection).Doc(snap.FlowID).Set(ctx, snap)
	if err != nil {
		s.logger.Printf("failed to mirror flow %s: %v", snap.FlowID, err)
	}
}

// Close releases the underlying Firestore client, if any.
func (s *Sink) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
