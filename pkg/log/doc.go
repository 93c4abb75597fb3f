/*
Package log provides structured logging for the Sokovan manager using
zerolog.

A single global Logger is initialized once via Init and shared across
every subsystem; component- and entity-scoped child loggers are created
with WithComponent, WithSession, WithKernel, WithAgent,
WithScalingGroup, and WithEndpoint so every log line from the scheduler
or reconciler carries the identifiers needed to trace one session's
path through the state machine without threading a logger through every
call.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	schedLog := log.WithComponent("scheduler")
	schedLog.Info().Str("scaling_group", sg).Int("dequeued", n).Msg("tick started")

	sessLog := log.WithSession(session.ID)
	sessLog.Warn().Err(err).Msg("predicate failed")

Debug is for development only; Info is the production default. Never
log secrets, access keys, or raw resource-policy payloads — only
identifiers.
*/
package log
