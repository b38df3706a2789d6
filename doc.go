// Package txcoord coordinates transactions that span several independent
// backends using two-phase commit.
//
// A Service owns one coordinator and an ordered set of participants. Each
// participant adapts a backend through a Resource (a native transaction
// provider plus an operation executor) and runs every transaction on its own
// dedicated execution context. Every phase transition is appended to a status
// log before the phase is considered reached, so a restarted Service can
// finish what a crash interrupted.
//
// # Running transactions
//
//	svc, err := txcoord.NewService(ctx, txcoord.Config{
//	    LogStore:     "disk:///var/lib/txcoord",
//	    Participants: []string{"orders", "billing"},
//	})
//	if err != nil { return err }
//	defer svc.Close(context.Background())
//	svc.Start(ctx)
//
//	err = svc.Do(ctx, sessionToken, func(ctx context.Context, tx *txcoord.Txn) error {
//	    if _, err := tx.Execute(ctx, "orders", "put", "order/42", "open"); err != nil {
//	        return err
//	    }
//	    _, err := tx.Execute(ctx, "billing", "put", "invoice/42", "due")
//	    return err
//	})
//
// Do begins the transaction on every participant in order, runs the callback
// and commits: all participants prepare, then all commit. If any participant
// fails to begin or prepare, every participant is rolled back and the
// original error is returned. Use errors.Is against the backend's error, or
// txn.FailedParticipant to see which participant failed.
//
// # Status logs
//
// Config.LogStore selects where logs live:
//
//   - mem:// keeps them in memory (tests and demos).
//   - disk:///path writes one JSON-lines file per log, fsynced per append.
//   - s3://host[:port]/bucket[/prefix] uses an S3-compatible service via MinIO.
//   - aws://bucket[/prefix]?region=... uses AWS S3 through the AWS SDK.
//   - azure://account/container[/prefix] uses Azure Blob Storage.
//
// Object store logs write one object per entry and retry transient failures.
//
// # Commit failures
//
// Config.CommitFailure decides what happens when a participant fails to
// commit after all of them prepared: "rollback-all" (default) rolls every
// participant back, "mark-inconsistent" records COMMIT_INCONSISTENT once at
// least one participant committed, and "retry-commit" keeps the commit
// decision and lets the sweeper finish it.
package txcoord
