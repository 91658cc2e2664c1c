/*
Package scheduler matches pending sessions to agent capacity.

One Scheduler instance runs per resource group. Each cycle it takes
the group's distributed lease, bumps the fencing token, ranks the
pending queue with the group's session policy and tries to place each
candidate onto agents with its agent policy. Successful placements are
committed through the manager under the held token: the session moves
to SCHEDULED, ledger entries are reserved and agent occupancy is
charged in one replicated command, so a scheduler that lost its lease
mid-cycle cannot commit stale work.

# Session policies

  - fifo: arrival order, with head-of-line sessions that repeatedly
    fail to place demoted behind the rest of the queue
  - drf: dominant resource fairness across access keys
  - priority: explicit priority, ties broken by arrival order

# Agent policies

  - concentrated: bin-pack onto the fullest fitting agent
  - dispersed: spread onto the emptiest fitting agent
  - custom: operator-supplied hook over an immutable snapshot of the
    cycle's candidates

Placement works on AgentSnapshot copies. Multi-node sessions place
every kernel or nothing; a partial fit leaves the session pending and
increments its retry counter in the group's scheduler state.
*/
package scheduler
