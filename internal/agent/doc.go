// Package agent defines the contract shared by mesh nodes and point-to-point
// agents.
//
// # Overview
//
// An Agent lets callers raise intents and lets resolvers subscribe to intent
// types. Where the intent is resolved is the implementation's business: a
// mesh node routes it through a tree of execution contexts, a point-to-point
// agent writes it to a single port.
//
//	result, err := a.RaiseIntent(ctx, protocol.Intent{Type: "ping", Payload: 1})
//
// # Request/Response Correlation
//
// Every raised intent gets a correlation id and a Call, the result slot that
// the matching response or error settles. Calls live in a Pending table
// until they are settled:
//
//  1. Raise mints a correlation id
//  2. A Call is added to the Pending table
//  3. The intent is sent toward its resolver
//  4. The response or error with the same id takes the Call and settles it
//
// A Call settles exactly once. Waiting with a context that ends abandons the
// call locally; nothing is cancelled on the resolving side.
//
// # Resolvers
//
// Each agent holds at most one resolver per intent type. A second
// subscription fails synchronously with ErrDuplicateResolver and changes
// nothing. Forward builds a resolver that re-raises on another agent.
package agent
