package model

import "errors"

// Sentinel errors for the error taxonomy in the specification. Callers
// should use errors.Is against these rather than matching on message text.
var (
	// ErrNoEligibleAgent is returned by the router when no connected agent
	// satisfies eligibility for a task. Recoverable: the caller requeues.
	ErrNoEligibleAgent = errors.New("router: no eligible agent")

	// ErrUnknownAgent is returned when an operation names an agent_id the
	// inventory has never seen. Treated as a no-op by most callers.
	ErrUnknownAgent = errors.New("router: unknown agent")

	// ErrTransportClosed indicates the underlying stream terminated.
	ErrTransportClosed = errors.New("session: transport closed")

	// ErrDecodeFrame indicates a frame failed to parse; the caller should
	// log and drop it rather than propagate.
	ErrDecodeFrame = errors.New("protocol: malformed frame")

	// ErrChecksumMismatch indicates a shared-context entry's stored checksum
	// no longer matches its value; reads of that entry return absent.
	ErrChecksumMismatch = errors.New("sharedcontext: checksum mismatch")

	// ErrTaskNotActive is returned when a completion/failure report names a
	// task_id that is not present in the active-map, or names an agent_id
	// that does not match the active-map's recorded owner.
	ErrTaskNotActive = errors.New("lifecycle: task not in active-map")

	// ErrResourceBusy indicates the coordinator failed to bind its listen
	// address; this is fatal at startup.
	ErrResourceBusy = errors.New("coordinator: resource busy")
)
