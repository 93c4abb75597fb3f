/*
Package reconciler drives the session lifecycle's continuous-repair
half: Stages D through F, run on a fixed cron schedule after the
scheduler's per-tick Stages A–C.

  - Stage D (AutoscaleServices) applies each inference endpoint's
    autoscaling rules, creates or terminates routings to match the
    resulting replica count, and reaps endpoints that finished
    destroying.
  - Stage E (TerminalSweep) finishes sessions whose kernels have all
    reported TERMINATED and force-terminates sessions stuck in
    PREPARING or TERMINATING past the configured hang-tolerance
    ceiling.
  - Stage F (ZombieAndDriftRepair) removes routings whose session no
    longer exists and rescans the keypair concurrency counter when it
    has drifted from the registry's own count.

A fourth sweep, AgentHealthSweep, marks agents LOST once their
heartbeat goes silent past a configured threshold; spec.md's Agent
lifecycle names this behavior without assigning it to one of Stages
D–F, so it runs as an independent stage each cycle. A fifth stage,
SyncKernelStats, pulls each running kernel's status and stats from its
agent when periodic stat sync is enabled.

Every stage is timed independently via metrics.Timer and reported
under the "stage" label of sokovan_reconciliation_duration_seconds,
mirroring the teacher's per-concern reconcileNodes/reconcileContainers
split generalized to five stages instead of two.
*/
package reconciler
