package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ellisisland/reconciler/pkg/adapters/warehouse"
	"github.com/ellisisland/reconciler/pkg/apperrors"
	"github.com/ellisisland/reconciler/pkg/config"
	"github.com/ellisisland/reconciler/pkg/cursor"
	"github.com/ellisisland/reconciler/pkg/models"
	"github.com/ellisisland/reconciler/pkg/snapshot"
	sqlgen "github.com/ellisisland/reconciler/pkg/sql"
)

// IdentitySnapshotName is the logical snapshot name of the identity reference.
const IdentitySnapshotName = "ellis_island_users"

// IdentityConfig holds the identity query settings. The query must return
// (uuid, username, email) in that order.
type IdentityConfig struct {
	Query     string
	BatchSize int
	Timeout   time.Duration
	Format    snapshot.Format
}

// NewIdentityConfig extracts the identity settings from cfg.
func NewIdentityConfig(cfg *config.Config) (IdentityConfig, error) {
	format, err := snapshot.ParseFormat(cfg.Snapshots.IdentityFormat)
	if err != nil {
		return IdentityConfig{}, err
	}
	query, err := sqlgen.NormalizeStatement(cfg.Identity.Query)
	if err != nil {
		return IdentityConfig{}, fmt.Errorf("identity.query: %w", err)
	}
	return IdentityConfig{
		Query:     query,
		BatchSize: cfg.Reconcile.BatchSize,
		Timeout:   cfg.Reconcile.QueryTimeout(),
		Format:    format,
	}, nil
}

// IdentityBuilder produces the identity reference for a run.
type IdentityBuilder struct {
	conn   warehouse.Conn
	cfg    IdentityConfig
	store  *snapshot.Store
	logger *zap.Logger
}

// NewIdentityBuilder creates a builder. store may be nil, in which case the
// reference is always computed and never persisted.
func NewIdentityBuilder(conn warehouse.Conn, cfg IdentityConfig, store *snapshot.Store, logger *zap.Logger) *IdentityBuilder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IdentityBuilder{
		conn:   conn,
		cfg:    cfg,
		store:  store,
		logger: logger.Named("identity"),
	}
}

// Get returns the latest persisted reference unless forceRecompute is set or
// none is usable, in which case it is computed and persisted. Any failure to
// produce a non-empty reference wraps ErrIdentityReferenceUnavailable.
func (b *IdentityBuilder) Get(ctx context.Context, forceRecompute bool) (*models.IdentityReference, error) {
	if !forceRecompute && b.store != nil {
		if ref, ok := b.loadLatest(); ok {
			return ref, nil
		}
	}

	ref, err := b.Compute(ctx)
	if err != nil {
		return nil, err
	}
	if b.store != nil {
		h, err := b.store.Save(IdentitySnapshotName, ref.ToRelation(), b.cfg.Format)
		if err != nil {
			return nil, fmt.Errorf("save identity snapshot: %w", err)
		}
		b.logger.Debug("Saved identity snapshot", zap.String("path", h.Path))
	}
	return ref, nil
}

func (b *IdentityBuilder) loadLatest() (*models.IdentityReference, bool) {
	h, rel, ok := b.store.LoadLatest(IdentitySnapshotName)
	if !ok {
		return nil, false
	}
	logger := b.logger.With(zap.String("path", h.Path))

	records, err := models.IdentityRecordsFromRelation(rel)
	if err != nil {
		logger.Warn("Ignoring unusable identity snapshot", zap.Error(err))
		return nil, false
	}
	ref, err := b.index(records)
	if err != nil {
		logger.Warn("Ignoring unusable identity snapshot", zap.Error(err))
		return nil, false
	}
	logger.Info("Loaded identity reference from snapshot", zap.Int("records", ref.Len()))
	return ref, true
}

// Compute queries the warehouse for the identity reference.
func (b *IdentityBuilder) Compute(ctx context.Context) (*models.IdentityReference, error) {
	start := time.Now()
	rel, err := cursor.Collect(ctx, b.conn, b.cfg.Query, models.IdentityColumns, cursor.Options{
		BatchSize: b.cfg.BatchSize,
		Timeout:   b.cfg.Timeout,
		Logger:    b.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrIdentityReferenceUnavailable, err)
	}

	records, err := models.IdentityRecordsFromRelation(rel)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrIdentityReferenceUnavailable, err)
	}
	if dropped := rel.Len() - len(records); dropped > 0 {
		b.logger.Warn("Dropped identity rows without a uuid", zap.Int("rows", dropped))
	}

	ref, err := b.index(records)
	if err != nil {
		return nil, err
	}
	b.logger.Info("Computed identity reference",
		zap.Int("rows", rel.Len()),
		zap.Int("records", ref.Len()),
		zap.Duration("elapsed", time.Since(start)))
	return ref, nil
}

// index deduplicates records and builds the reference.
func (b *IdentityBuilder) index(records []models.IdentityRecord) (*models.IdentityReference, error) {
	deduped, stats := models.DedupeIdentityRecords(records)
	if stats.ExactDuplicates > 0 {
		b.logger.Debug("Removed duplicate identity rows", zap.Int("duplicates", stats.ExactDuplicates))
	}
	if stats.UUIDConflicts > 0 {
		b.logger.Warn("Identity rows share a uuid; kept the first of each",
			zap.Int("conflicts", stats.UUIDConflicts))
	}
	if len(deduped) == 0 {
		return nil, fmt.Errorf("%w: identity query returned no records", apperrors.ErrIdentityReferenceUnavailable)
	}
	ref, err := models.NewIdentityReference(deduped)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrIdentityReferenceUnavailable, err)
	}
	return ref, nil
}
