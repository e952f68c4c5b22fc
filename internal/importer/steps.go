package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/fhirsync/internal/domain/connection"
	"github.com/ehr/fhirsync/internal/fetch"
	"github.com/ehr/fhirsync/internal/mapper"
	"github.com/ehr/fhirsync/internal/platform/fhir"
	"github.com/ehr/fhirsync/internal/platform/webhook"
	"github.com/ehr/fhirsync/internal/reconcile"
	"github.com/ehr/fhirsync/internal/token"
)

// connectionLevel reports whether err ends the whole run rather than one
// resource type.
func connectionLevel(err error) bool {
	return errors.Is(err, token.ErrAuthExpired) ||
		errors.Is(err, token.ErrConnectionInactive) ||
		errors.Is(err, connection.ErrNotFound)
}

// importType fetches and imports every page of rt. It reports whether the
// type completed cleanly, in which case its cursor may advance. The error is
// errCancelled or a connection-level failure; resource-level failures are
// recorded on the run instead.
func (o *Orchestrator) importType(ctx context.Context, r *run, s *session, res *Result, rt fhir.ResourceType, since *time.Time) (bool, error) {
	o.update(r, func(p *Progress) {
		p.advance(StatusFetching, p.UpdatedAt)
		p.CurrentResourceType = rt
		if rp := p.Resource(rt); rp != nil {
			rp.Phase = PhaseFetching
			rp.Since = since
		}
	})

	pager := o.fetcher.Pages(s.conn, rt, since)
	seen := map[string]bool{}
	complete := true
	for {
		if ctx.Err() != nil {
			return false, errCancelled
		}
		b, err := pager.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return false, errCancelled
			}
			if connectionLevel(err) {
				return false, err
			}
			o.failType(r, s, rt, err)
			return false, nil
		}
		// Writes for a fetched page always finish, even when the run is
		// cancelled meanwhile.
		if !o.importPage(context.WithoutCancel(ctx), r, s, res, rt, b, seen) {
			complete = false
		}
		o.update(r, func(p *Progress) {
			if rp := p.Resource(rt); rp != nil {
				rp.Phase = PhaseFetching
			}
		})
	}

	if since == nil && complete {
		n, err := o.sync.Reconciler().MarkMissing(context.WithoutCancel(ctx), s.conn.ID, string(rt), seen, r.progress.RunID)
		if err != nil {
			complete = false
			o.recordError(r, ImportError{Kind: KindStore, ResourceType: rt, Message: err.Error()})
		}
		if n > 0 {
			res.StaleCounts[rt] = n
		}
		o.update(r, func(p *Progress) {
			if rp := p.Resource(rt); rp != nil {
				rp.Stale = n
			}
		})
	}

	o.update(r, func(p *Progress) {
		if rp := p.Resource(rt); rp != nil {
			rp.Phase = PhaseDone
		}
	})
	s.log.Info().
		Str("resource_type", string(rt)).
		Int("imported", res.ImportedCounts[rt]).
		Bool("complete", complete).
		Msg("resource type imported")
	return complete, nil
}

// importPage filters, maps and reconciles one Bundle. Every resource of rt
// in the page is added to seen, including excluded and unmappable ones. It
// reports false when a record could not be stored.
func (o *Orchestrator) importPage(ctx context.Context, r *run, s *session, res *Result, rt fhir.ResourceType, b *fhir.Bundle, seen map[string]bool) bool {
	var kept []fhir.BundleEntry
	matches, excluded := 0, 0
	for _, e := range b.MatchEntries() {
		head, err := fhir.PeekResourceType(e.Resource)
		if err == nil && head.ResourceType != string(rt) {
			continue
		}
		matches++
		if head.ID != "" {
			seen[head.ID] = true
		}
		drop, expr, err := s.filter.Excludes(rt, e.Resource)
		if err != nil && !s.warned[expr] {
			s.warned[expr] = true
			res.Warnings = append(res.Warnings, fmt.Sprintf("exclude rule for %s could not be evaluated: %v", rt, err))
		}
		if drop {
			excluded++
			continue
		}
		kept = append(kept, e)
	}

	o.update(r, func(p *Progress) {
		p.advance(StatusMapping, p.UpdatedAt)
		p.addFetched(matches)
		p.addProcessed(excluded)
		if rp := p.Resource(rt); rp != nil {
			rp.Phase = PhaseMapping
			rp.Pages++
			rp.Fetched += matches
			rp.Excluded += excluded
		}
	})

	results := mapper.MapBundle(rt, &fhir.Bundle{ResourceType: "Bundle", Type: b.Type, Entry: kept}, s.conn)

	o.update(r, func(p *Progress) {
		p.advance(StatusImporting, p.UpdatedAt)
		if rp := p.Resource(rt); rp != nil {
			rp.Phase = PhaseImporting
		}
	})

	stored := true
	var imported, unchanged, conflicts, failed int
	var errs []ImportError
	now := o.now().UTC()
	for _, mr := range results {
		if !mr.OK() {
			failed++
			errs = append(errs, ImportError{
				Kind:         KindMapping,
				ResourceType: rt,
				ResourceID:   mr.ResourceID,
				Field:        mr.Err.Field,
				Message:      mr.Err.Error(),
				At:           now,
			})
			continue
		}
		out, err := o.sync.Reconciler().Apply(ctx, s.state, s.lastSync, r.progress.RunID, mr.Record)
		if err != nil {
			stored = false
			failed++
			errs = append(errs, ImportError{Kind: KindStore, ResourceType: rt, ResourceID: mr.ResourceID, Message: err.Error(), At: now})
			continue
		}
		switch {
		case out.Imported():
			imported++
		case out.Action == reconcile.ActionNone:
			unchanged++
		}
		if out.Change != nil {
			conflicts++
		}
	}
	res.ImportedCounts[rt] += imported

	if len(errs) > 0 {
		s.log.Warn().Str("resource_type", string(rt)).Int("failed", len(errs)).Msg("resources in page not imported")
	}
	o.update(r, func(p *Progress) {
		p.addProcessed(len(results))
		p.Errors = append(p.Errors, errs...)
		if rp := p.Resource(rt); rp != nil {
			rp.Imported += imported
			rp.Unchanged += unchanged
			rp.Conflicts += conflicts
			rp.Failed += failed
		}
	})
	return stored
}

// failType records a fetch failure that ends one resource type.
func (o *Orchestrator) failType(r *run, s *session, rt fhir.ResourceType, err error) {
	kind := KindFetch
	if errors.Is(err, fetch.ErrRateLimited) {
		kind = KindRateLimited
	}
	s.log.Warn().Err(err).Str("resource_type", string(rt)).Msg("resource type fetch failed")
	o.recordError(r, ImportError{Kind: kind, ResourceType: rt, Message: err.Error()})
	o.update(r, func(p *Progress) {
		if rp := p.Resource(rt); rp != nil {
			rp.Phase = PhaseFailed
		}
	})
}

func (o *Orchestrator) recordError(r *run, e ImportError) {
	if e.At.IsZero() {
		e.At = o.now().UTC()
	}
	o.update(r, func(p *Progress) { p.Errors = append(p.Errors, e) })
}

// finish moves the run to its terminal status, persists state, the run and
// LastSyncAt, and notifies. s is nil when the run failed before it could
// load the connection.
func (o *Orchestrator) finish(ctx context.Context, r *run, s *session, res *Result, cancelled bool, runErr error) (*Result, error) {
	bg := context.WithoutCancel(ctx)
	runID, connID := r.progress.RunID, r.progress.ConnectionID
	log := o.logger.With().Str("run_id", runID.String()).Str("connection_id", connID.String()).Logger()

	status := StatusCompleted
	switch {
	case runErr != nil:
		status = StatusError
		kind := KindConnection
		if errors.Is(runErr, token.ErrAuthExpired) {
			kind = KindAuthExpired
		}
		o.recordError(r, ImportError{Kind: kind, Message: runErr.Error()})
	case cancelled:
		status = StatusCancelled
	}

	if s != nil {
		if status == StatusCompleted {
			if _, err := o.conns.RecordSync(bg, connID, s.startedAt); err != nil {
				log.Error().Err(err).Msg("failed to record last sync")
				res.Warnings = append(res.Warnings, "last sync time not recorded: "+err.Error())
			}
		}
		s.state.Status = reconcile.SyncIdle
		if status == StatusError {
			s.state.Status = reconcile.SyncFailed
		}
		if err := o.sync.SaveState(bg, s.state); err != nil {
			log.Error().Err(err).Msg("failed to save sync state")
		}
	}

	open := false
	pending, _, err := o.sync.ListChanges(bg, reconcile.ChangeFilter{ConnectionID: connID, RunID: runID, Resolved: &open}, 0, 0)
	if err != nil {
		log.Error().Err(err).Msg("failed to list pending changes")
	}
	if pending == nil {
		pending = []*reconcile.PendingChange{}
	}

	o.update(r, func(p *Progress) { p.advance(status, o.now().UTC()) })

	r.mu.Lock()
	final := r.progress.clone()
	r.mu.Unlock()

	res.Status = status
	res.Errors = final.Errors
	res.PendingChanges = pending
	res.CompletedAt = *final.CompletedAt
	res.DurationMS = res.CompletedAt.Sub(res.StartedAt).Milliseconds()

	if err := o.runs.Save(bg, &Run{Progress: final, Result: res}); err != nil {
		log.Error().Err(err).Msg("failed to save import run")
	}

	o.mu.Lock()
	delete(o.active, runID)
	delete(o.byConn, connID)
	o.mu.Unlock()

	r.mu.Lock()
	for ch := range r.subs {
		close(ch)
	}
	r.subs = nil
	r.mu.Unlock()
	close(r.done)

	event := webhook.EventImportCompleted
	switch status {
	case StatusError:
		event = webhook.EventImportFailed
	case StatusCancelled:
		event = webhook.EventImportCancelled
	}
	o.notifier.Notify(bg, webhook.NewEvent(event, connID.String(), res.summary()))

	log.Info().
		Str("status", string(status)).
		Int("imported", res.Imported()).
		Int("errors", len(res.Errors)).
		Int("pending_changes", len(pending)).
		Int64("duration_ms", res.DurationMS).
		Msg("import finished")
	return res, runErr
}

// SyncOutcome is the result of one connection in SyncAll.
type SyncOutcome struct {
	ConnectionID uuid.UUID `json:"connection_id"`
	Result       *Result   `json:"result,omitempty"`
	Err          error     `json:"-"`
}

// SyncAll runs an import for every active connection, at most
// WithConcurrency at a time. Per-connection failures are reported in the
// outcomes; only listing the connections fails the call.
func (o *Orchestrator) SyncAll(ctx context.Context, opts RunOptions) ([]SyncOutcome, error) {
	conns, err := o.conns.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active connections: %w", err)
	}
	out := make([]SyncOutcome, len(conns))
	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for i, c := range conns {
		i, id := i, c.ID
		g.Go(func() error {
			res, err := o.Run(ctx, id, opts)
			out[i] = SyncOutcome{ConnectionID: id, Result: res, Err: err}
			if err != nil {
				o.logger.Warn().Err(err).Str("connection_id", id.String()).Msg("sync failed")
			}
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}
