// Package common implements the client side of the driver protocol: a
// Connection that multiplexes calls over a transport, the tree of
// ChannelOwners mirroring the driver's remote objects, and Waiters for
// events on them.
//
// The driver owns the lifetime of every object. It announces objects with
// __create__ and removes them, together with their descendants, with
// __dispose__. Calls to a disposed object, and waiters attached to it, fail
// with a *DisposedError.
package common
