/*
Package manager hosts the replicated control-plane state for Hive.

Every mutation of cluster state (session transitions, kernel updates,
agent records, ledger entries, scheduler bookkeeping) is encoded as a
JSON command and applied through a raft finite state machine, so that
all manager replicas converge on the same bbolt store. Reads go
straight to the local store.

# Command flow

	Manager.TransitSession(...)
	  -> Command{Op: "transit_session", Data: ...}
	  -> raft.Apply (leader) / forwarded error (follower)
	  -> HiveFSM.Apply on every replica
	  -> storage.Store mutation

A manager created with no raft transport runs standalone: commands are
applied directly to the FSM. Tests and single-node deployments use this
mode; the command codec is identical either way.

# Session transitions

TransitSession validates the requested edge against the lifecycle
table in pkg/types, enforces optimistic concurrency via StatusVersion,
appends a status-log row and publishes a session.status event. A
rejected edge surfaces as ErrInvalidTransition or ErrStaleTransition
so callers can distinguish races from bugs.

# Cluster membership

Bootstrap starts a single-voter cluster. Replicas join through a
JoinFunc that carries a join token to the current leader; the leader
validates the token and calls raft.AddVoter. Tokens are random,
role-scoped and single-use.
*/
package manager
