package core

import "context"

// Filter is a server-side pre-filter hint. Agents may use it to shrink the
// stream; callers must still evaluate their own predicate on every element.
type Filter struct {
	Property string `json:"property"`
	Pattern  string `json:"pattern"`
}

// DescendantsQuery scopes a FetchDescendants call.
type DescendantsQuery struct {
	Platform Platform
	// ScopeID limits the stream to descendants of this element (exclusive).
	// Empty means every application context, roots included.
	ScopeID string
	Filter  *Filter
}

// QueryPort is the read side of the remote agent.
// Implementations: agent.Client, mock.App.
//
// Every call returns a consistent snapshot, but consecutive calls may observe
// different trees. Connectivity failures are reported with
// KindTransportUnavailable, unknown ids with KindNotFound.
type QueryPort interface {
	// FetchRoots returns the top-level application contexts with their subtrees.
	FetchRoots(ctx context.Context, platform Platform) ([]Element, error)

	// FetchDescendants streams a fresh snapshot in document order. Yielded
	// elements either carry their children or are flat with ParentID set.
	// Returning false from yield stops the stream.
	FetchDescendants(ctx context.Context, q DescendantsQuery, yield func(Element) bool) error

	// FetchOne returns a single element (with children) by id.
	FetchOne(ctx context.Context, platform Platform, id string) (Element, error)
}

// ExecRequest is a validated action ready for the platform executor.
type ExecRequest struct {
	Platform  Platform `json:"platform"`
	ElementID string   `json:"elementId"`
	Action    string   `json:"action"`
	Args      []string `json:"args,omitempty"`
}

// ExecResponse is what the executor reports after running an action.
type ExecResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

// Executor performs a concrete action on a resolved element.
// A returned error means the action could not be delivered; an
// ExecResponse with Success=false means it ran and failed.
type Executor interface {
	Execute(ctx context.Context, req ExecRequest) (ExecResponse, error)
}

// Reconnector is implemented by ports that can re-establish their transport.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}
