// Package beacon implements the presence beacon: a booting node sends one
// single-byte datagram to a multicast group, and a listener joined to the
// same group observes arrivals.
//
// Delivery is best effort. Packets may be lost, duplicated or reordered, so
// an arrival is only ever a hint to re-check cluster status sooner.
//
// Typical usage:
//
//	tr := beacon.NewTracker()
//	go beacon.Listen(ctx, beacon.DefaultGroup, beacon.DefaultPort, tr.Observe)
//	tr.Expect("10.0.0.7")
//	<-tr.Signal("10.0.0.7")
package beacon
