// Package reconcile decides how a fetched resource is applied to the local
// record that shares its FHIR reference, and keeps the pending changes that
// record every divergence between the two.
package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirsync/internal/domain/record"
	"github.com/ehr/fhirsync/internal/platform/db"
)

// Outcome describes what Apply did with one incoming record.
type Outcome struct {
	Action Action
	// Applied is true when the server version was written to the store.
	Applied bool
	Record  *record.Record
	// Change is set when a pending change was created or superseded.
	Change *PendingChange
}

// Imported reports whether the outcome counts as an imported resource.
func (o Outcome) Imported() bool {
	return o.Applied && (o.Action == ActionCreate || o.Action == ActionUpdate)
}

type Reconciler struct {
	records record.Store
	changes ChangeStore
	tx      db.TxRunner
	logger  zerolog.Logger
	now     func() time.Time
}

func NewReconciler(records record.Store, changes ChangeStore, tx db.TxRunner, logger zerolog.Logger) *Reconciler {
	if tx == nil {
		tx = db.NoopTxRunner{}
	}
	return &Reconciler{
		records: records,
		changes: changes,
		tx:      tx,
		logger:  logger.With().Str("component", "reconcile").Logger(),
		now:     time.Now,
	}
}

func (r *Reconciler) Changes() ChangeStore { return r.changes }

// Apply reconciles one mapped resource against the store:
//
//   - no local record: create it
//   - server not newer than the local copy: nothing to do
//   - server newer and the local copy was edited after lastSyncAt, or a
//     change for the resource is still open: record a conflicting pending
//     change and apply the connection's policy
//   - otherwise: update the local copy with the server version
//
// Record writes compare-and-swap on the version read at the start; a local
// edit that lands in between makes the whole decision run again against the
// edited record, up to maxApplyAttempts times.
func (r *Reconciler) Apply(ctx context.Context, state *SyncState, lastSyncAt *time.Time, runID uuid.UUID, incoming *record.Record) (Outcome, error) {
	var out Outcome
	var err error
	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		attemptRec := incoming.Clone()
		err = r.tx.WithTx(ctx, func(ctx context.Context) error {
			var err error
			out, err = r.apply(ctx, state.ConflictResolution, lastSyncAt, runID, attemptRec)
			return err
		})
		if !errors.Is(err, record.ErrVersionConflict) {
			return out, err
		}
		r.logger.Debug().
			Str("resource", incoming.ResourceType+"/"+incoming.FHIRReference).
			Int("attempt", attempt+1).
			Msg("record changed during reconcile, retrying")
	}
	return Outcome{}, fmt.Errorf("reconcile %s: %w", incoming.Key(), err)
}

const maxApplyAttempts = 3

func (r *Reconciler) apply(ctx context.Context, policy Policy, lastSyncAt *time.Time, runID uuid.UUID, incoming *record.Record) (Outcome, error) {
	existing, err := r.records.GetByKey(ctx, incoming.Key())
	if errors.Is(err, record.ErrNotFound) {
		if _, err := r.records.Upsert(ctx, incoming); err != nil {
			return Outcome{}, err
		}
		return Outcome{Action: ActionCreate, Applied: true, Record: incoming}, nil
	}
	if err != nil {
		return Outcome{}, err
	}
	if existing.Source != record.SourceFHIR {
		// Kept locally after a delete resolution; no longer synced.
		return Outcome{Action: ActionNone, Record: existing}, nil
	}

	open, err := r.changes.FindOpen(ctx, incoming.ConnectionID, incoming.ResourceType, incoming.FHIRReference)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Outcome{}, err
	}

	if !serverNewer(existing, incoming) {
		if existing.Stale {
			// The resource is back on the server; a delete awaiting a
			// decision no longer applies.
			if err := r.records.SetStale(ctx, existing.ID, false); err != nil {
				return Outcome{}, err
			}
			existing.Stale = false
			if open != nil && open.Action == ActionDelete {
				if err := r.closeDelete(ctx, open); err != nil {
					return Outcome{}, err
				}
			}
		}
		return Outcome{Action: ActionNone, Record: existing}, nil
	}

	if !existing.EditedSince(lastSyncAt) && open == nil {
		incoming.ID = existing.ID
		incoming.VersionID = existing.VersionID
		incoming.UpdatedLocally = nil
		incoming.Stale = false
		if _, err := r.records.Upsert(ctx, incoming); err != nil {
			return Outcome{}, err
		}
		return Outcome{Action: ActionUpdate, Applied: true, Record: incoming}, nil
	}

	change, err := r.recordConflict(ctx, open, runID, existing, incoming)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Action: ActionUpdate, Record: existing, Change: change}

	switch policy {
	case PolicyServerWins:
		rec, err := r.applyServer(ctx, existing, change)
		if err != nil {
			return Outcome{}, err
		}
		out.Record, out.Applied = rec, true
		err = r.markResolved(ctx, change, ResolutionServer)
		return out, err
	case PolicyClientWins:
		rec, err := r.keepLocal(ctx, existing, change)
		if err != nil {
			return Outcome{}, err
		}
		out.Record = rec
		err = r.markResolved(ctx, change, ResolutionLocal)
		return out, err
	default:
		r.logger.Info().
			Str("connection_id", incoming.ConnectionID.String()).
			Str("resource", incoming.ResourceType+"/"+incoming.FHIRReference).
			Msg("conflict awaiting manual resolution")
		return out, nil
	}
}

// recordConflict opens a conflicting update change, or supersedes the
// server side of the one already open for the resource.
func (r *Reconciler) recordConflict(ctx context.Context, open *PendingChange, runID uuid.UUID, existing, incoming *record.Record) (*PendingChange, error) {
	if open != nil {
		open.supersede(runID, ActionUpdate, incoming)
		open.Conflict = true
		open.RecordID = existing.ID
		open.LocalData = append(json.RawMessage(nil), existing.Data...)
		if err := r.changes.Update(ctx, open); err != nil {
			return nil, err
		}
		return open, nil
	}
	c := &PendingChange{
		ConnectionID:  incoming.ConnectionID,
		ResourceType:  incoming.ResourceType,
		FHIRReference: incoming.FHIRReference,
		RecordID:      existing.ID,
		LocalData:     append(json.RawMessage(nil), existing.Data...),
		Conflict:      true,
	}
	c.supersede(runID, ActionUpdate, incoming)
	if err := r.changes.Create(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// applyServer writes the server side of change over the local record and
// drops the local edit marker.
func (r *Reconciler) applyServer(ctx context.Context, rec *record.Record, change *PendingChange) (*record.Record, error) {
	rec = rec.Clone()
	rec.Data = append(json.RawMessage(nil), change.ServerData...)
	rec.ServerVersion = change.ServerVersion
	rec.ServerLastUpdated = change.ServerLastUpdated
	rec.LastUpdatedDerived = change.LastUpdatedDerived
	rec.UpdatedLocally = nil
	rec.Stale = false
	if err := r.records.Update(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// keepLocal keeps the local payload but records the server version it was
// weighed against, so the same server version is not flagged again.
func (r *Reconciler) keepLocal(ctx context.Context, rec *record.Record, change *PendingChange) (*record.Record, error) {
	rec = rec.Clone()
	rec.ServerVersion = change.ServerVersion
	rec.ServerLastUpdated = change.ServerLastUpdated
	rec.LastUpdatedDerived = change.LastUpdatedDerived
	if err := r.records.Update(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *Reconciler) markResolved(ctx context.Context, c *PendingChange, choice Resolution) error {
	c.resolve(choice, r.now().UTC())
	return r.changes.Update(ctx, c)
}

// closeDelete resolves a delete change whose resource reappeared; the local
// record was never removed, so keeping it is the local side.
func (r *Reconciler) closeDelete(ctx context.Context, c *PendingChange) error {
	return r.markResolved(ctx, c, ResolutionLocal)
}

// MarkMissing flags FHIR-sourced records of resourceType that a full fetch
// did not return. Each is marked stale (never deleted) and gets an open
// delete change. It returns the number of records newly marked.
func (r *Reconciler) MarkMissing(ctx context.Context, connectionID uuid.UUID, resourceType string, seen map[string]bool, runID uuid.UUID) (int, error) {
	recs, err := r.records.ListByResourceType(ctx, connectionID, resourceType)
	if err != nil {
		return 0, fmt.Errorf("list %s records: %w", resourceType, err)
	}
	marked := 0
	for _, rec := range recs {
		if rec.Source != record.SourceFHIR || rec.Stale || seen[rec.FHIRReference] {
			continue
		}
		err := r.tx.WithTx(ctx, func(ctx context.Context) error {
			if err := r.records.SetStale(ctx, rec.ID, true); err != nil {
				return err
			}
			open, err := r.changes.FindOpen(ctx, connectionID, resourceType, rec.FHIRReference)
			switch {
			case err == nil:
				open.RunID = runID
				open.Action = ActionDelete
				open.ServerData = nil
				open.LocalData = append(json.RawMessage(nil), rec.Data...)
				return r.changes.Update(ctx, open)
			case !errors.Is(err, ErrNotFound):
				return err
			}
			return r.changes.Create(ctx, &PendingChange{
				ConnectionID:  connectionID,
				RunID:         runID,
				ResourceType:  resourceType,
				FHIRReference: rec.FHIRReference,
				RecordID:      rec.ID,
				Action:        ActionDelete,
				LocalData:     append(json.RawMessage(nil), rec.Data...),
			})
		})
		if err != nil {
			return marked, fmt.Errorf("mark %s/%s stale: %w", resourceType, rec.FHIRReference, err)
		}
		marked++
	}
	if marked > 0 {
		r.logger.Info().
			Str("connection_id", connectionID.String()).
			Str("resource_type", resourceType).
			Int("count", marked).
			Msg("records no longer on server marked stale")
	}
	return marked, nil
}

// Resolve applies an external decision to an open change. For updates the
// chosen side is written to the record. For deletes, "server" accepts the
// removal and the record stays stale as an archived copy; "local" keeps the
// record as a locally owned import that later syncs leave alone.
func (r *Reconciler) Resolve(ctx context.Context, changeID uuid.UUID, choice Resolution) (*PendingChange, error) {
	var resolved *PendingChange
	err := r.tx.WithTx(ctx, func(ctx context.Context) error {
		c, err := r.changes.Get(ctx, changeID)
		if err != nil {
			return err
		}
		if c.Resolved {
			return ErrAlreadyResolved
		}

		rec, err := r.records.GetByKey(ctx, c.Key())
		if err != nil && !errors.Is(err, record.ErrNotFound) {
			return err
		}

		switch {
		case rec == nil:
			// Nothing left to apply either side to.
		case c.Action == ActionDelete && choice == ResolutionLocal:
			rec.Source = record.SourceImport
			rec.Stale = false
			if err := r.records.Update(ctx, rec); err != nil {
				return err
			}
		case c.Action == ActionDelete:
		case choice == ResolutionServer:
			if _, err := r.applyServer(ctx, rec, c); err != nil {
				return err
			}
		default:
			if _, err := r.keepLocal(ctx, rec, c); err != nil {
				return err
			}
		}

		if err := r.markResolved(ctx, c, choice); err != nil {
			return err
		}
		resolved = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info().
		Str("change_id", changeID.String()).
		Str("action", string(resolved.Action)).
		Str("resolution", string(choice)).
		Msg("pending change resolved")
	return resolved, nil
}

// serverNewer decides whether incoming is a newer server version than what
// the local record was last synced from. Real meta.lastUpdated timestamps
// decide when both sides have one; otherwise version ids; otherwise payload
// content, which is only meaningful while the local copy is unedited. A
// timestamp derived from the clinical date only proves a change when it moved.
func serverNewer(existing, incoming *record.Record) bool {
	stamped := existing.ServerLastUpdated != nil && incoming.ServerLastUpdated != nil
	derived := existing.LastUpdatedDerived || incoming.LastUpdatedDerived
	if stamped && !existing.ServerLastUpdated.Equal(*incoming.ServerLastUpdated) {
		if derived {
			return true
		}
		return incoming.ServerLastUpdated.After(*existing.ServerLastUpdated)
	}
	if existing.ServerVersion != "" && incoming.ServerVersion != "" {
		return existing.ServerVersion != incoming.ServerVersion
	}
	if stamped && !derived {
		return false
	}
	if existing.UpdatedLocally != nil {
		return false
	}
	return !jsonEqual(existing.Data, incoming.Data)
}

func jsonEqual(a, b json.RawMessage) bool {
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}
