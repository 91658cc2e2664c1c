/*
Package dispatch drives scheduled sessions onto their agents.

The dispatcher picks up sessions the scheduler has placed, walks them
PREPARING -> CREATING -> RUNNING, and owns every RPC to an agent:
kernel creation, destruction, interrupts and restarts.

Creates are at-most-once per attempt: each send increments and
persists the kernel's attempt sequence before the RPC goes out, and
retransmissions within one dispatch reuse the sequence so the agent
can deduplicate. A multi-kernel session is created atomically; if any
kernel fails, the ones already created are destroyed, the ledger is
released and the session lands in ERROR. A transiently failed session
is re-enqueued at most once, judged from its durable status history so
the decision survives restarts.
*/
package dispatch
