// Package hsipc is a per-process inter-process communication hub for
// co-located processes on one host. A Hub multiplexes one underlying
// message transport into three patterns: typed request/response RPC
// with namespaced methods, publish/subscribe eventing over
// hierarchical topic patterns, and long-lived server-push streaming
// subscriptions with explicit accept/reject and cancellation.
//
// Construct a Hub with Builder, register local services with
// RegisterService, call remote methods with Call, publish events with
// Publish, and open a streaming subscription with CreateSubscription.
package hsipc
