package fallback

import (
	"context"
	"errors"
	"fmt"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/oakmere/entitystore/storage"
)

const tracerName = "github.com/oakmere/entitystore/storage/fallback"

// Store is the facade in front of the configured backends. It delegates to
// the active backend and absorbs the first missing-relation failure by
// degrading to the local backend and retrying once. Version conflicts and
// permission failures always pass through untouched.
type Store struct {
	sw     *Switch[storage.Store]
	tracer trace.Tracer
}

var _ storage.Store = (*Store)(nil)

// New builds the orchestrator. The local backend is required; a nil remote
// backend makes the local backend active from the start.
func New(remote, local storage.Store) (*Store, error) {
	if local == nil {
		return nil, fmt.Errorf("local backend is required")
	}
	return &Store{
		sw:     NewSwitch(remote, remote != nil, local),
		tracer: otel.Tracer(tracerName),
	}, nil
}

// Switch exposes the underlying one-shot switch so the blob store can share
// the same degrade scope.
func (s *Store) Switch() *Switch[storage.Store] {
	return s.sw
}

// RemoteActive reports whether calls are currently served by the remote backend.
func (s *Store) RemoteActive() bool {
	_, remote := s.sw.Active()
	return remote
}

// Reset re-arms the remote backend after external recovery.
func (s *Store) Reset() {
	s.sw.Reset()
}

// Get returns the entity for (kind, id), or ok=false when none exists.
func (s *Store) Get(ctx context.Context, kind, id string) (storage.Entity, bool, error) {
	ctx, span := s.startSpan(ctx, "Get", kind)
	defer span.End()
	backend, remote := s.sw.Active()
	entity, ok, err := backend.Get(ctx, kind, id)
	if s.shouldDegrade(err, remote) {
		s.degrade(span, kind, err)
		entity, ok, err = s.sw.Local().Get(ctx, kind, id)
	}
	s.finish(span, err)
	return entity, ok, err
}

// List returns all entities of the kind satisfying filter.
func (s *Store) List(ctx context.Context, kind string, filter storage.Filter) ([]storage.Entity, error) {
	ctx, span := s.startSpan(ctx, "List", kind)
	defer span.End()
	backend, remote := s.sw.Active()
	entities, err := backend.List(ctx, kind, filter)
	if s.shouldDegrade(err, remote) {
		s.degrade(span, kind, err)
		entities, err = s.sw.Local().List(ctx, kind, filter)
	}
	s.finish(span, err)
	return entities, err
}

// Upsert inserts or fully replaces the entity.
func (s *Store) Upsert(ctx context.Context, kind string, entity storage.Entity) (storage.Entity, error) {
	ctx, span := s.startSpan(ctx, "Upsert", kind)
	defer span.End()
	backend, remote := s.sw.Active()
	stored, err := backend.Upsert(ctx, kind, entity)
	if s.shouldDegrade(err, remote) {
		s.degrade(span, kind, err)
		stored, err = s.sw.Local().Upsert(ctx, kind, entity)
	}
	s.finish(span, err)
	return stored, err
}

// UpdateWithVersion applies the entity only if the stored version matches.
func (s *Store) UpdateWithVersion(ctx context.Context, kind string, entity storage.Entity, expectedVersion string) (storage.Entity, error) {
	ctx, span := s.startSpan(ctx, "UpdateWithVersion", kind)
	defer span.End()
	backend, remote := s.sw.Active()
	stored, err := backend.UpdateWithVersion(ctx, kind, entity, expectedVersion)
	if s.shouldDegrade(err, remote) {
		s.degrade(span, kind, err)
		stored, err = s.sw.Local().UpdateWithVersion(ctx, kind, entity, expectedVersion)
	}
	s.finish(span, err)
	return stored, err
}

// Remove deletes the entity and reports whether anything was deleted.
func (s *Store) Remove(ctx context.Context, kind, id string) (bool, error) {
	ctx, span := s.startSpan(ctx, "Remove", kind)
	defer span.End()
	backend, remote := s.sw.Active()
	removed, err := backend.Remove(ctx, kind, id)
	if s.shouldDegrade(err, remote) {
		s.degrade(span, kind, err)
		removed, err = s.sw.Local().Remove(ctx, kind, id)
	}
	s.finish(span, err)
	return removed, err
}

// shouldDegrade holds only for a missing relation reported by the remote
// backend. Permission failures must never match, or a fixable configuration
// problem would silently degrade the whole process.
func (s *Store) shouldDegrade(err error, remote bool) bool {
	return err != nil && remote && errors.Is(err, storage.ErrRelationMissing)
}

func (s *Store) degrade(span trace.Span, kind string, cause error) {
	if s.sw.Trip() {
		log.Printf("entitystore: relation missing for kind %q, switching to local file storage for all kinds: %v", kind, cause)
	}
	span.AddEvent("fallback.degrade", trace.WithAttributes(
		attribute.String("entitystore.kind", kind),
	))
}

func (s *Store) startSpan(ctx context.Context, op, kind string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "entitystore."+op, trace.WithAttributes(
		attribute.String("entitystore.kind", kind),
		attribute.Bool("entitystore.remote", s.RemoteActive()),
	))
}

func (s *Store) finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
}
