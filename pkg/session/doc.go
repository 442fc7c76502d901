// Package session persists per-thread agent runtime context on top of a
// storage.Adapter.
//
// Invariants:
//   - Concurrent first access for a thread creates exactly one session.
//   - Mutations never create a session; they fail with ErrSessionNotFound.
//   - Writes for the same thread are serialized in-process and carry an
//     expected version; Version increments on every persisted write.
//   - Messages evicted by windowing are folded into MessagesDigest.
//
// Usage:
//
//	mgr := session.NewManager(store, session.DefaultConfig())
//	rc, _ := mgr.GetOrCreate(ctx, "thread-1", "tenant-a")
//	_ = mgr.AddMessage(ctx, "thread-1", session.Message{Role: "user", Content: "deploy the api"})
//	res, _ := mgr.Recover(ctx, "thread-1")
//	_ = res.Inferences["that service"]
package session
