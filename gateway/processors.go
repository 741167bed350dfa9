// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// processorSpec is the on-disk definition of one processor instance.
// Type selects the implementation; the remaining fields are its
// parameters.
type processorSpec struct {
	Type string `json:"type"`

	// Field is the dotted request-body path a bind-caller processor
	// compares against the caller id.
	Field string `json:"field"`

	// Path is the dotted response path a scope-filter processor walks
	// to find the array to filter.
	Path string `json:"path"`

	// IDField names the scope id field inside each filtered element.
	IDField string `json:"id_field"`
}

// buildProcessor instantiates a named processor from its definition.
func buildProcessor(name string, spec processorSpec) (Processor, error) {
	switch spec.Type {
	case "bind-caller":
		if spec.Field == "" {
			return nil, fmt.Errorf("processor %q: bind-caller requires a field", name)
		}
		return &bindCallerProcessor{name: name, field: spec.Field}, nil

	case "scope-filter":
		if spec.Path == "" {
			return nil, fmt.Errorf("processor %q: scope-filter requires a path", name)
		}
		if spec.IDField == "" {
			return nil, fmt.Errorf("processor %q: scope-filter requires an id_field", name)
		}
		return &scopeFilterProcessor{name: name, path: spec.Path, idField: spec.IDField}, nil

	default:
		return nil, fmt.Errorf("processor %q: unknown type %q (supported: bind-caller, scope-filter)", name, spec.Type)
	}
}

// bindCallerProcessor is a pre processor that pins a request-body
// field to the caller's own id. Callers cannot act as someone else by
// writing a different id into the body: a missing field, a non-JSON
// body, or a mismatch aborts with 400 before anything is forwarded.
type bindCallerProcessor struct {
	name  string
	field string
}

func (p *bindCallerProcessor) Name() string { return p.name }

func (p *bindCallerProcessor) Run(ctx context.Context, exchange *Exchange) error {
	if exchange.Request.Body.Kind != BodyJSON {
		return &AbortError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("request body must be JSON with %s set", p.field),
		}
	}

	value, ok := walkPath(exchange.Request.Body.Value, p.field)
	if !ok {
		return &AbortError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("request body is missing %s", p.field),
		}
	}

	id, ok := numericID(value)
	if !ok || id != exchange.Identity.ID {
		return &AbortError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("%s does not match the caller identity", p.field),
		}
	}
	return nil
}

// scopeFilterProcessor is a post processor that removes elements the
// caller's data scope does not allow from a response array. Elements
// without a readable scope id are removed as well — an unattributable
// row must not leak. Responses where the path does not resolve to an
// array pass through untouched (error bodies, single-object
// responses).
type scopeFilterProcessor struct {
	name    string
	path    string
	idField string
}

func (p *scopeFilterProcessor) Name() string { return p.name }

func (p *scopeFilterProcessor) Run(ctx context.Context, exchange *Exchange) error {
	if exchange.Payload == nil {
		return nil
	}

	parent, key, list, ok := walkToList(exchange.Payload, p.path)
	if !ok {
		return nil
	}

	kept := make([]any, 0, len(list))
	for _, element := range list {
		object, ok := element.(map[string]any)
		if !ok {
			continue
		}
		id, ok := numericID(object[p.idField])
		if !ok {
			continue
		}
		if exchange.Scope.Allows(id) {
			kept = append(kept, element)
		}
	}

	if parent == nil {
		// The whole payload is the array.
		exchange.Payload = kept
		return nil
	}
	parent[key] = kept
	return nil
}

// walkPath descends a dotted path through nested JSON objects.
func walkPath(value any, path string) (any, bool) {
	current := value
	for _, segment := range strings.Split(path, ".") {
		object, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = object[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// walkToList resolves a dotted path to an array and its containing
// object, so the filtered result can be written back in place. An
// empty path addresses the payload root (parent is nil).
func walkToList(payload any, path string) (parent map[string]any, key string, list []any, ok bool) {
	if path == "" {
		list, ok = payload.([]any)
		return nil, "", list, ok
	}

	segments := strings.Split(path, ".")
	current := payload
	for _, segment := range segments[:len(segments)-1] {
		object, isObject := current.(map[string]any)
		if !isObject {
			return nil, "", nil, false
		}
		next, found := object[segment]
		if !found {
			return nil, "", nil, false
		}
		current = next
	}

	object, isObject := current.(map[string]any)
	if !isObject {
		return nil, "", nil, false
	}
	key = segments[len(segments)-1]
	list, ok = object[key].([]any)
	return object, key, list, ok
}

// numericID coerces a JSON value into an int64 id. JSON numbers
// arrive as float64; ids may also ride as decimal strings.
func numericID(value any) (int64, bool) {
	switch v := value.(type) {
	case float64:
		id := int64(v)
		if float64(id) != v {
			return 0, false
		}
		return id, true
	case string:
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false
		}
		return id, true
	default:
		return 0, false
	}
}
