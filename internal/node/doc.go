// Package node holds the gateway's record of joined mesh nodes.
//
// A Node is created when the radio daemon reports provisioning complete,
// then mutated by every auto-configuration event addressed to it. The
// Registry is a small bounded store (default capacity 10) keyed by UUID
// for re-onboarding and by unicast address for everything else.
//
// Snapshots can be written through to SQLite (mesh_nodes, mesh_models)
// with SQLiteRepository and restored with Registry.Load, so a restarted
// gateway keeps its address assignments and configuration progress.
//
// Usage:
//
//	repo := node.NewSQLiteRepository(db.DB)
//	reg := node.NewRegistry(node.RegistryOptions{Capacity: 10, Repository: repo})
//	if err := reg.Load(ctx); err != nil {
//	    return err
//	}
//
//	n, err := reg.AddOrUpdate(ctx, id, 0x0010, 2, false)
//	if errors.Is(err, node.ErrCapacity) {
//	    // known nodes keep working
//	}
package node
