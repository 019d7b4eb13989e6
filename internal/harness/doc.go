// Package harness runs conformance scenarios against live channels.
//
// A scenario names a set of channels, joins some of them with in-process
// pipes, exposes fixture objects and then drives a flow of invocations and
// events. Every request, response and event sent on a pipe is recorded in
// the trace, which assertions and golden snapshots check afterwards.
//
// # Scenario Format
//
//	name: counter_roundtrip
//	description: "edge increments a counter on hub"
//	channels: [hub, edge]
//	links:
//	  - [hub, edge]
//	expose:
//	  - channel: hub
//	    name: counter
//	    fixture: counter
//	  - channel: hub
//	    name: conf
//	    value: { greeting: hello }
//	flow:
//	  - from: edge
//	    to: hub
//	    invoke: apply
//	    path: [counter, Inc]
//	    args: [2]
//	    expect:
//	      value: 2
//	  - from: edge
//	    to: hub
//	    emit: reload
//	    data: { reason: deploy }
//	assertions:
//	  - type: trace_contains
//	    message: { type: request, from: edge, action: apply }
//	  - type: trace_count
//	    message: { type: event }
//	    count: 1
//
// # Assertion Types
//
//   - trace_contains: some traced message matches the filter
//   - trace_order: the filters match traced messages in order
//   - trace_count: exactly count traced messages match the filter
//   - received: the channel named in the filter's to field received the event
//
// # Determinism
//
// Channels run on a mock clock pinned to testutil.Epoch and number their
// message ids from a per-channel sequence, so a scenario produces the same
// trace on every run. Connection handshakes are not traced.
package harness
