// Package mesh implements the routing node of the intent messaging mesh.
//
// # Overview
//
// Nodes living in separate execution contexts discover each other, form a
// rooted tree and route intents to whichever node subscribed to their type.
// Each node is reachable through its Self port and optionally announces
// itself to a Parent port:
//
//	root := mesh.New(mesh.Options{Name: "P", Self: pWindow})
//	leaf := mesh.New(mesh.Options{Name: "C1", Self: c1Window, Parent: pWindow})
//
// # Topology
//
//  1. A new node posts Announce to its parent (or to itself when it has none)
//  2. The receiver creates a private channel and answers with Link, handing
//     over one end of it
//  3. The announcer adopts that end as its single upstream and sends Register
//     with its id and the intent types it already resolves
//  4. Every ancestor records how to reach the new node and relays Register
//     upward with itself prepended to the resolution path
//
// # Routing
//
// Messages in the propagating phase climb to the root unchanged. The root
// flips them to routing and from there every hop interprets them: intents go
// down toward the subscribed node, responses and errors go down toward the
// requester. Intents nobody has subscribed to yet wait in a deferred queue
// and are replayed as soon as a subscription for their type arrives.
//
// # Concurrency
//
// A node owns one event-loop goroutine. All routing tables are touched only
// from that goroutine; port callbacks and public methods submit work to it.
// Resolvers run on their own goroutines and hand their outcome back to the
// loop.
package mesh
