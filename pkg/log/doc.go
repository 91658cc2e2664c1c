/*
Package log provides structured logging for Hive using zerolog.

The package wraps zerolog behind a small Init/WithComponent surface so
every process emits the same JSON shape: a level, a timestamp, a
component tag and typed fields.

# Usage

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component loggers:

	schedLog := log.WithComponent("scheduler")
	schedLog.Info().
		Str("session_id", session.ID).
		Str("agent_id", placement.AgentID).
		Msg("session scheduled")

Error logging:

	log.WithComponent("dispatch").Error().
		Err(err).
		Str("kernel_id", kernel.ID).
		Msg("create rpc failed")

# Conventions

  - Every long-lived loop owns a component logger (scheduler, dispatch,
    reconciler, api, agent, raft-fsm).
  - Identifiers go in typed fields (session_id, kernel_id, agent_id),
    never interpolated into the message.
  - Info is the production level; Debug traces individual scheduling
    decisions and is expensive at scale.
  - Fatal is reserved for startup failures before the daemon is serving.

Log output is line-oriented JSON on stdout; rotation and shipping are
the operator's problem.
*/
package log
