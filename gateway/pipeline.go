// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/bureau/lib/authz"
)

// Exchange is the fixed context handed to every processor in a rule's
// pipeline. Pre processors see the inbound request; post processors
// additionally see Payload, the parsed upstream response body (nil
// when the response was not JSON or the upstream call did not reach a
// 2xx). Post processors never run for streaming rules — the body has
// already been relayed chunk by chunk.
type Exchange struct {
	Rule     *Rule
	Identity *authz.Identity
	Scope    authz.ScopePredicate
	Request  *RequestContext
	Payload  any
	Logger   *slog.Logger
}

// Processor is one named hook in a rule's pre or post chain.
// Processors mutate the exchange in place; returning an error stops
// the chain. An *AbortError selects the response status; any other
// error surfaces as an internal failure.
type Processor interface {
	Name() string
	Run(ctx context.Context, exchange *Exchange) error
}

// AbortError stops a pipeline with a specific response. A pre-phase
// abort means nothing is forwarded and no post processors run. A
// post-phase abort surfaces to the caller even though the upstream
// call already succeeded — upstream side effects are not rolled back,
// so post processors must be idempotent or side-effect-free on
// failure.
type AbortError struct {
	Status  int
	Message string
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("pipeline aborted (HTTP %d): %s", e.Status, e.Message)
}

// runProcessors executes a processor chain in order, stopping at the
// first failure. The failing processor's name is attached so abort
// responses and logs identify the hook.
func runProcessors(ctx context.Context, processors []Processor, exchange *Exchange) error {
	for _, processor := range processors {
		if err := processor.Run(ctx, exchange); err != nil {
			return fmt.Errorf("processor %q: %w", processor.Name(), err)
		}
	}
	return nil
}
