package backends

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an adapter failure into the shared taxonomy the
// orchestrator's retry policy is written against.
type Kind int

const (
	// KindRateLimited means the service throttled the request; retryable.
	KindRateLimited Kind = iota
	// KindTransient covers timeouts, 5xx responses, OOM-equivalents and
	// failed artifact writes; retryable.
	KindTransient
	// KindPolicyRejected means the service refused on content-policy
	// grounds. Terminal: a refusal is a data point, not a fault.
	KindPolicyRejected
	// KindMalformed means the adapter could not make sense of the request
	// or response. Terminal.
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient"
	case KindPolicyRejected:
		return "policy_rejected"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Retryable reports whether the orchestrator may re-dispatch after this kind.
func (k Kind) Retryable() bool {
	return k == KindRateLimited || k == KindTransient
}

// Error is the typed failure every adapter translates its service's
// idiosyncratic error shapes into.
type Error struct {
	Kind    Kind
	Backend string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Backend, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Backend, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the taxonomy kind from an error chain. Unrecognized errors
// count as Transient so an adapter bug never silently drops a request.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindTransient
}

// RawResult is the uniform generation response. Refused carries the
// service's explicit block signal through to the classifier; Message holds
// the raw backend message verbatim for the result record.
type RawResult struct {
	Payload     []byte
	Message     string
	Refused     bool
	ArtifactRef string
	LatencyMS   int64
}

// Adapter wraps one image-generation service. Capacity is the number of
// requests the service can truly execute at once; a GPU-resident backend
// reports 1.
type Adapter interface {
	Name() string
	Capacity() int
	Generate(ctx context.Context, prompt string, sourceImageRef string) (*RawResult, error)
}
