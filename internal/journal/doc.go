// Package journal persists routed channel events to PostgreSQL.
//
// A Writer is installed as the router tap. Events are queued on an unbounded
// buffer, batched, and written with pgx.Batch:
//
//	w := journal.NewWriter(cfg, pool, logger)
//	w.EnsureSchema(ctx)
//	w.Start(ctx)
//	defer w.Stop(ctx)
package journal
