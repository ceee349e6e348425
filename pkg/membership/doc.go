// Package membership holds the replica-set configuration document and the
// pure mutations applied to it while scaling. Nothing in here performs I/O:
// callers fetch a fresh document, mutate it, and submit the result through
// a reconfiguration command.
//
// Typical usage:
//
//	cfg, _ := admin.Config(ctx)
//	cfg = membership.AddMember(cfg, node, "27017")
//	_ = admin.Reconfigure(ctx, cfg)
package membership
