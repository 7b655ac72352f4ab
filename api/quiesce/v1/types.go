// Package v1 defines the JSON types of the quiesced HTTP API. CPU sets
// travel in kernel cpulist format ("0-2,5").
package v1

import "time"

// CpusRequest asks to halt or resume a set of CPUs on behalf of a
// named holder.
type CpusRequest struct {
	// Holder identifies the requesting client. Holds are ref-counted
	// per holder: halting CPUs a holder already holds is a no-op, and
	// resuming releases only that holder's references.
	Holder string `json:"holder"`

	// Cpus is the requested CPU set in cpulist format.
	Cpus string `json:"cpus"`
}

// CpusResponse reports the per-CPU outcome of a halt or resume.
type CpusResponse struct {
	// Transitioned holds the CPUs that actually changed state
	// (drained or released).
	Transitioned string `json:"transitioned,omitempty"`

	// RefOnly holds the CPUs covered by ref-count bookkeeping alone.
	RefOnly string `json:"ref_only,omitempty"`

	// Failed holds the CPU the operation failed on, if any.
	Failed string `json:"failed,omitempty"`

	// Error carries the failure message when the HTTP status is an
	// error; the sets above still describe the partial outcome.
	Error string `json:"error,omitempty"`
}

// CPUState is one CPU's quiesce state.
type CPUState struct {
	CPU            int  `json:"cpu"`
	Online         bool `json:"online"`
	Halted         bool `json:"halted"`
	RefCount       int  `json:"ref_count"`
	RecentlyHalted bool `json:"recently_halted,omitempty"`
}

// Hold is one holder's outstanding halt request.
type Hold struct {
	Holder    string    `json:"holder"`
	Cpus      string    `json:"cpus"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// StatusResponse is the full daemon state.
type StatusResponse struct {
	Cpus  []CPUState `json:"cpus"`
	Holds []Hold     `json:"holds,omitempty"`
}

// PingResponse reports daemon liveness and version.
type PingResponse struct {
	Version string `json:"version"`
}
