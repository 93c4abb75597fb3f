/*
Package scheduler drives Stages A through C of the session lifecycle,
one scaling group per Tick call:

  - Stage A (Schedule) dequeues PENDING sessions in scheduler-strategy
    order (fifo/lifo/drf), runs the nine admission predicates against
    each, and reserves agent capacity for the ones that pass via the
    configured agent-selection strategy.
  - Stage B (CheckPrecondition) advances SCHEDULED sessions through
    PREPARING to PREPARED once every kernel's agent confirms its image
    is present.
  - Stage C (Start) advances PREPARED sessions through CREATING to
    RUNNING once every kernel's agent has created its container. With
    the default StartRPCRetryBudget of 0 an RPC failure here is fatal —
    the session is cancelled and its reservations released; a positive
    budget sends the session back to PREPARED for that many retries
    first.

Every scaling group's Tick runs under a pkg/lock advisory lock, so at
most one manager replica schedules it at a time. Ticks are dispatched
by a robfig/cron schedule rather than a bare time.Ticker, generalizing
the teacher's ticker-driven run() loop to the corpus's cron-based
periodic-job convention.
*/
package scheduler
