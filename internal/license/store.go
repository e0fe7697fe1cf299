package license

// Store persists per-handle activation and trial records. Saves must be
// durable before they return: a crash after a successful Save must not lose
// the update. Missing records load as nil, not as errors. The engine
// serializes access per handle; a Store only needs to tolerate concurrent
// calls for distinct handles.
type Store interface {
	// Load returns the stored records for a handle; either may be nil.
	Load(h Handle) (*ActivationRecord, *TrialRecord, error)

	// SaveActivation durably replaces the activation record.
	SaveActivation(h Handle, rec *ActivationRecord) error

	// SaveTrial durably replaces the trial record.
	SaveTrial(h Handle, rec *TrialRecord) error

	// ClearActivation removes the activation record. Clearing a handle
	// with no record is a no-op.
	ClearActivation(h Handle) error
}
