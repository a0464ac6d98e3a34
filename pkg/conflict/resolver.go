// Package conflict implements C4: given two operations on the same
// entity, decide a winner by vector clock then timestamp, and produce
// the Last-Writer-Wins rewrite operation spec.md §4.3 describes.
package conflict

import (
	"github.com/rs/zerolog"

	"github.com/super-productivity/sync-core/pkg/oplog"
	"github.com/super-productivity/sync-core/pkg/vectorclock"
)

// EntityStateProvider is the inbound external interface spec.md §6
// defines for C4/C5: the current materialized state of an entity, with
// ok=false if the entity is absent (deleted, or never created).
type EntityStateProvider interface {
	GetCurrentEntityState(entityType oplog.EntityType, entityID string) (oplog.Payload, bool)
}

// Outcome is the result of resolving one conflict.
type Outcome struct {
	// Winner is the operation the resolver determined should take
	// effect; it is the *input* op unless a Delete/move-to-archive
	// special case replaced it. For a regular Update winner, Rewrite's
	// payload is the current entity state, not Winner's original
	// payload (spec.md §4.3's "express the post-conflict truth").
	Winner  oplog.Operation
	Rewrite oplog.Operation
	// Discarded is true when no rewrite could be produced because the
	// winning Update's entity state is unavailable; the loser is
	// rejected and the caller should notify the user.
	Discarded bool
}

// Resolver implements C4.
type Resolver struct {
	entityState EntityStateProvider
	logger      zerolog.Logger
}

// NewResolver constructs a Resolver.
func NewResolver(entityState EntityStateProvider, logger zerolog.Logger) *Resolver {
	return &Resolver{entityState: entityState, logger: logger}
}

// Resolve implements the algorithm of spec.md §4.3: compare vector
// clocks, fall back to LWW on Concurrent, and build the rewrite op that
// will carry the winning clock. rewriteVC is the vector clock the
// rewrite operation should carry (typically produced by the caller via
// vectorclock.MergeAndIncrement over both sides).
func (r *Resolver) Resolve(local, remote oplog.Operation, rewriteVC vectorclock.Clock, rewriteTimestamp int64) Outcome {
	cmp := vectorclock.Compare(local.VectorClock, remote.VectorClock)

	var winner, loser oplog.Operation
	switch cmp {
	case vectorclock.Greater:
		winner, loser = local, remote
	case vectorclock.Less:
		winner, loser = remote, local
	default: // Equal or Concurrent: LWW tie-break (spec.md §4.3 rule 4)
		winner, loser = lastWriterWins(local, remote)
	}

	r.logger.Debug().
		Str("cmp", cmp.String()).
		Str("winner_client", string(winner.ClientID)).
		Str("loser_client", string(loser.ClientID)).
		Msg("conflict resolved")

	// A Delete or move-to-archive op on either side is preserved verbatim,
	// even when it lost the comparison above.
	if winner.OpType != oplog.OpDelete && loser.OpType == oplog.OpDelete {
		winner = loser
	} else if winner.OpType != oplog.OpDelete && !winner.IsBulk() && loser.IsBulk() {
		winner = loser
	}

	return r.buildRewrite(winner, rewriteVC, rewriteTimestamp)
}

// lastWriterWins applies the deterministic tie-break of spec.md §4.3
// rule 4: higher timestamp wins; ties broken by larger clientId, then
// larger opId. All clients must agree, so this must be a pure function
// of the two operations' fields alone.
func lastWriterWins(a, b oplog.Operation) (winner, loser oplog.Operation) {
	if a.Timestamp != b.Timestamp {
		if a.Timestamp > b.Timestamp {
			return a, b
		}
		return b, a
	}
	if a.ClientID != b.ClientID {
		if a.ClientID > b.ClientID {
			return a, b
		}
		return b, a
	}
	if a.ID > b.ID {
		return a, b
	}
	return b, a
}

// buildRewrite produces the LWW rewrite operation for winner, honoring
// the Delete and move-to-archive exceptions of spec.md §4.3.
func (r *Resolver) buildRewrite(winner oplog.Operation, rewriteVC vectorclock.Clock, rewriteTimestamp int64) Outcome {
	rewrite := oplog.Operation{
		ID:            oplog.NewOperationID(),
		ClientID:      winner.ClientID,
		ActionType:    winner.ActionType,
		EntityType:    winner.EntityType,
		EntityID:      winner.EntityID,
		EntityIDs:     winner.EntityIDs,
		VectorClock:   rewriteVC,
		Timestamp:     rewriteTimestamp,
		SchemaVersion: winner.SchemaVersion,
	}

	switch {
	case winner.OpType == oplog.OpDelete:
		// The Delete must not be rewritten against a potentially
		// missing entity: preserve it verbatim.
		rewrite.OpType = oplog.OpDelete
		rewrite.Payload = winner.Payload
		return Outcome{Winner: winner, Rewrite: rewrite}

	case winner.IsBulk():
		// move-to-archive: preserve payload and entityIds verbatim.
		rewrite.OpType = winner.OpType
		rewrite.Payload = winner.Payload
		return Outcome{Winner: winner, Rewrite: rewrite}

	default:
		// Regular Update: payload is the *current* materialized entity
		// state, expressing the post-conflict truth.
		state, ok := r.entityState.GetCurrentEntityState(winner.EntityType, winner.EntityID)
		if !ok {
			r.logger.Warn().
				Str("entity_id", winner.EntityID).
				Msg("conflict winner's entity state unavailable; discarding, local changes discarded")
			return Outcome{Winner: winner, Discarded: true}
		}
		rewrite.OpType = oplog.OpUpdate
		rewrite.Payload = state
		return Outcome{Winner: winner, Rewrite: rewrite}
	}
}
