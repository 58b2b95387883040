package sync

// Resolution is the outcome of merging one remote record against the local
// copy. When Apply is false the local pending edit is kept untouched and will
// be transmitted on the next push phase.
type Resolution struct {
	Record   Record
	Apply    bool
	Conflict bool
}

// Resolve merges an inbound server record with the corresponding local record
// using last-write-wins on the updated_at timestamp. It is a pure function of
// (local, remote): re-applying the same pair any number of times yields the
// same result, which is what makes re-pulling a window after a retry safe.
//
// Rules:
//   - no local record: adopt the remote record, marked synced
//   - local record already synced: remote always wins (no unconfirmed edits)
//   - local record pending: remote wins iff remoteUpdatedAt >= localUpdatedAt;
//     otherwise the local edit survives and the merge is flagged as a conflict
func Resolve(collection string, local *Record, remote RemoteRecord) Resolution {
	adopted := Record{
		Collection: collection,
		ID:         remote.ID,
		Payload:    remote.Payload,
		UpdatedAt:  remote.UpdatedAt,
		SyncStatus: StatusSynced,
		Deleted:    remote.Deleted,
	}

	if local == nil {
		return Resolution{Record: adopted, Apply: true}
	}

	if local.SyncStatus == StatusSynced {
		return Resolution{Record: adopted, Apply: true}
	}

	// Local copy carries unconfirmed edits: timestamps break the tie.
	if !remote.UpdatedAt.Before(local.UpdatedAt) {
		return Resolution{Record: adopted, Apply: true, Conflict: true}
	}

	return Resolution{Record: *local, Apply: false, Conflict: true}
}
