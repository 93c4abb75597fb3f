package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/sokovan/manager/pkg/clock"
	"github.com/sokovan/manager/pkg/domain"
	"github.com/sokovan/manager/pkg/log"
	"github.com/sokovan/manager/pkg/metrics"
	"github.com/sokovan/manager/pkg/predicate"
	"github.com/sokovan/manager/pkg/resource"
)

// PostgresRedis is the production Registry: PostgreSQL holds the
// relational truth, Redis holds the fast keypair-concurrency counters.
// Every mutating method runs inside a single *sqlx.Tx; the Redis
// counter update is issued after the Postgres commit succeeds, with a
// compensation-log row written if the Redis call then fails.
// RescanConcurrency repairs such drift by recounting the sessions table;
// it does not read the compensation log.
type PostgresRedis struct {
	db    *sqlx.DB
	redis *redis.Client
	clock clock.Clock
}

// New wraps an already-open Postgres connection and Redis client.
func New(db *sqlx.DB, rdb *redis.Client) *PostgresRedis {
	return &PostgresRedis{db: db, redis: rdb, clock: clock.Real{}}
}

func slotsToJSON(s resource.Slots) ([]byte, error) {
	if s == nil {
		s = resource.NewSlots()
	}
	return json.Marshal(s)
}

func slotsFromJSON(data []byte) (resource.Slots, error) {
	if len(data) == 0 {
		return resource.NewSlots(), nil
	}
	var s resource.Slots
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode resource slots: %w", err)
	}
	return s, nil
}

func concurrencyKey(accessKey string, isSFTP bool) string {
	if isSFTP {
		return "sokovan:concurrency:sftp:" + accessKey
	}
	return "sokovan:concurrency:" + accessKey
}

// LoadScalingGroup implements Registry.
func (r *PostgresRedis) LoadScalingGroup(ctx context.Context, name string) (domain.ScalingGroup, error) {
	var row struct {
		Name              string `db:"name"`
		SchedulerType     string `db:"scheduler_type"`
		SelectorStrategy  string `db:"selector_strategy"`
		NumRetriesToSkip  int    `db:"num_retries_to_skip"`
		ContainerLimit    int    `db:"container_limit"`
	}
	err := r.db.GetContext(ctx, &row, `
		SELECT name, scheduler_type, selector_strategy, num_retries_to_skip, container_limit
		FROM scaling_groups WHERE name = $1
	`, name)
	if err == sql.ErrNoRows {
		return domain.ScalingGroup{}, ErrScalingGroupNotFound
	}
	if err != nil {
		return domain.ScalingGroup{}, fmt.Errorf("load scaling group %s: %w", name, err)
	}
	return domain.ScalingGroup{
		Name:             row.Name,
		SchedulerType:    domain.SchedulerType(row.SchedulerType),
		SelectorStrategy: domain.AgentSelectionStrategy(row.SelectorStrategy),
		Opts: domain.ScalingGroupOpts{
			NumRetriesToSkip: row.NumRetriesToSkip,
			ContainerLimit:   row.ContainerLimit,
		},
	}, nil
}

// DequeuePending implements Registry.
func (r *PostgresRedis) DequeuePending(ctx context.Context, scalingGroup string, limit int) ([]domain.SessionView, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.RegistryQueryDuration, "dequeue_pending")

	rows, err := r.db.QueryxContext(ctx, `
		SELECT id, name, type, cluster_mode, cluster_size, requested_slots,
		       user_uuid, access_key, domain, "group", resource_group,
		       priority, status, image, created_at
		FROM sessions
		WHERE status = $1 AND resource_group = $2
		ORDER BY priority DESC, created_at ASC
		LIMIT $3
	`, domain.SessionStatusPending, scalingGroup, limit)
	if err != nil {
		return nil, fmt.Errorf("dequeue pending sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.SessionView
	for rows.Next() {
		var (
			view        domain.SessionView
			slotsRaw    []byte
			createdAt   time.Time
		)
		if err := rows.Scan(
			&view.ID, &view.Name, &view.Type, &view.ClusterMode, &view.ClusterSize, &slotsRaw,
			&view.Owner.UserUUID, &view.Owner.AccessKey, &view.Scope.Domain, &view.Scope.Group, &view.Scope.ResourceGroup,
			&view.Priority, &view.Status, &view.Image, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan pending session: %w", err)
		}
		slots, err := slotsFromJSON(slotsRaw)
		if err != nil {
			return nil, err
		}
		view.RequestedSlots = slots
		view.CreatedAt = createdAt
		view.PendingSince = createdAt
		out = append(out, view)
	}
	return out, rows.Err()
}

// LoadCandidateAgents implements Registry.
func (r *PostgresRedis) LoadCandidateAgents(ctx context.Context, scalingGroup, architecture string) ([]domain.AgentView, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.RegistryQueryDuration, "load_candidate_agents")

	rows, err := r.db.QueryxContext(ctx, `
		SELECT id, addr, scaling_group, architecture, available_slots, occupied_slots,
		       container_count, schedulable, last_heartbeat, status, version, compat_flags
		FROM agents
		WHERE scaling_group = $1 AND architecture = $2 AND status = $3 AND schedulable = true
	`, scalingGroup, architecture, domain.AgentStatusAlive)
	if err != nil {
		return nil, fmt.Errorf("load candidate agents: %w", err)
	}
	defer rows.Close()

	var out []domain.AgentView
	for rows.Next() {
		var (
			view         domain.AgentView
			availRaw     []byte
			occRaw       []byte
			compatFlags  []byte
		)
		if err := rows.Scan(
			&view.ID, &view.Addr, &view.ScalingGroup, &view.Architecture, &availRaw, &occRaw,
			&view.ContainerCount, &view.Schedulable, &view.LastHeartbeat, &view.Status, &view.Version, &compatFlags,
		); err != nil {
			return nil, fmt.Errorf("scan candidate agent: %w", err)
		}
		avail, err := slotsFromJSON(availRaw)
		if err != nil {
			return nil, err
		}
		occ, err := slotsFromJSON(occRaw)
		if err != nil {
			return nil, err
		}
		view.AvailableSlots = avail
		view.OccupiedSlots = occ
		if len(compatFlags) > 0 {
			_ = json.Unmarshal(compatFlags, &view.CompatFlags)
		}

		free, err := view.FreeSlots()
		if err == nil && !free.LessEq(resource.NewSlots()) {
			out = append(out, view)
		}
	}
	return out, rows.Err()
}

// ScalingGroupTotals implements Registry.
func (r *PostgresRedis) ScalingGroupTotals(ctx context.Context, scalingGroup string) (resource.Slots, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.RegistryQueryDuration, "scaling_group_totals")

	rows, err := r.db.QueryxContext(ctx, `
		SELECT available_slots FROM agents WHERE scaling_group = $1 AND schedulable = true
	`, scalingGroup)
	if err != nil {
		return nil, fmt.Errorf("load scaling group totals: %w", err)
	}
	defer rows.Close()

	totals := resource.NewSlots()
	for rows.Next() {
		var availRaw []byte
		if err := rows.Scan(&availRaw); err != nil {
			return nil, fmt.Errorf("scan agent totals: %w", err)
		}
		avail, err := slotsFromJSON(availRaw)
		if err != nil {
			return nil, err
		}
		totals = totals.Add(avail)
	}
	return totals, rows.Err()
}

// KeypairOccupancy implements Registry.
func (r *PostgresRedis) KeypairOccupancy(ctx context.Context, accessKey string) (resource.Slots, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.RegistryQueryDuration, "keypair_occupancy")

	rows, err := r.db.QueryxContext(ctx, `
		SELECT requested_slots FROM sessions WHERE access_key = $1 AND status = ANY($2)
	`, accessKey, occupyingStatuses())
	if err != nil {
		return nil, fmt.Errorf("load keypair occupancy: %w", err)
	}
	defer rows.Close()

	occ := resource.NewSlots()
	for rows.Next() {
		var slotsRaw []byte
		if err := rows.Scan(&slotsRaw); err != nil {
			return nil, fmt.Errorf("scan session occupancy: %w", err)
		}
		slots, err := slotsFromJSON(slotsRaw)
		if err != nil {
			return nil, err
		}
		occ = occ.Add(slots)
	}
	return occ, rows.Err()
}

// SessionsByStatus implements Registry.
func (r *PostgresRedis) SessionsByStatus(ctx context.Context, scalingGroup string, status domain.SessionStatus) ([]domain.SessionView, error) {
	rows, err := r.db.QueryxContext(ctx, `
		SELECT id, name, type, cluster_mode, cluster_size, requested_slots,
		       user_uuid, access_key, domain, "group", resource_group,
		       priority, status, image, created_at
		FROM sessions
		WHERE status = $1 AND resource_group = $2
	`, status, scalingGroup)
	if err != nil {
		return nil, fmt.Errorf("load sessions by status: %w", err)
	}
	defer rows.Close()

	var out []domain.SessionView
	for rows.Next() {
		var (
			view      domain.SessionView
			slotsRaw  []byte
			createdAt time.Time
		)
		if err := rows.Scan(
			&view.ID, &view.Name, &view.Type, &view.ClusterMode, &view.ClusterSize, &slotsRaw,
			&view.Owner.UserUUID, &view.Owner.AccessKey, &view.Scope.Domain, &view.Scope.Group, &view.Scope.ResourceGroup,
			&view.Priority, &view.Status, &view.Image, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		slots, err := slotsFromJSON(slotsRaw)
		if err != nil {
			return nil, err
		}
		view.RequestedSlots = slots
		view.CreatedAt = createdAt
		out = append(out, view)
	}
	return out, rows.Err()
}

// KernelsForSession implements Registry.
func (r *PostgresRedis) KernelsForSession(ctx context.Context, sessionID string) ([]domain.Kernel, error) {
	rows, err := r.db.QueryxContext(ctx, `
		SELECT id, session_id, role, architecture, image, requested_slots, agent_id, agent_addr, status, created_at
		FROM kernels WHERE session_id = $1
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load kernels for session: %w", err)
	}
	defer rows.Close()

	var out []domain.Kernel
	for rows.Next() {
		var (
			k        domain.Kernel
			slotsRaw []byte
			agentID  sql.NullString
			agentAddr sql.NullString
		)
		if err := rows.Scan(&k.ID, &k.SessionID, &k.Role, &k.Architecture, &k.Image, &slotsRaw, &agentID, &agentAddr, &k.Status, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan kernel: %w", err)
		}
		slots, err := slotsFromJSON(slotsRaw)
		if err != nil {
			return nil, err
		}
		k.RequestedSlots = slots
		k.AgentID = agentID.String
		k.AgentAddr = agentAddr.String
		out = append(out, k)
	}
	return out, rows.Err()
}

// LoadValidatorContext implements Registry.
func (r *PostgresRedis) LoadValidatorContext(ctx context.Context, session domain.SessionView) (*predicate.ValidatorContext, error) {
	vctx := &predicate.ValidatorContext{Session: session.Session}

	limit, used, err := r.CheckKeypairConcurrency(ctx, session.Owner.AccessKey, session.Private)
	if err != nil {
		return nil, err
	}
	if session.Private {
		vctx.SFTPLimit, vctx.SFTPUsed = limit, used
	} else {
		vctx.ConcurrencyLimit, vctx.ConcurrencyUsed = limit, used
	}

	if len(session.Dependencies) > 0 {
		vctx.DependencyStatus = make(map[string]domain.SessionStatus, len(session.Dependencies))
		vctx.DependencySucceeded = make(map[string]bool, len(session.Dependencies))
		for _, depID := range session.Dependencies {
			var status domain.SessionStatus
			err := r.db.GetContext(ctx, &status, `SELECT status FROM sessions WHERE id = $1`, depID)
			if err == sql.ErrNoRows {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("load dependency %s: %w", depID, err)
			}
			vctx.DependencyStatus[depID] = status
			vctx.DependencySucceeded[depID] = status == domain.SessionStatusTerminated
		}
	}

	policy, err := r.loadKeypairPolicy(ctx, session.Owner.AccessKey)
	if err == nil {
		vctx.KeypairPolicy = policy
	}

	return vctx, nil
}

func (r *PostgresRedis) loadKeypairPolicy(ctx context.Context, accessKey string) (*domain.KeypairResourcePolicy, error) {
	var (
		p        domain.KeypairResourcePolicy
		totalRaw []byte
		pendRaw  []byte
	)
	err := r.db.QueryRowxContext(ctx, `
		SELECT k.access_key, p.max_concurrent_sessions, p.max_concurrent_sftp_sessions,
		       p.max_pending_session_count, p.max_pending_session_resource_slots,
		       p.total_resource_slots, p.default_for_unspecified
		FROM keypairs k
		JOIN keypair_resource_policies p ON p.access_key = k.access_key
		WHERE k.access_key = $1
	`, accessKey).Scan(
		&p.AccessKey, &p.MaxConcurrentSessions, &p.MaxConcurrentSFTPSessions,
		&p.MaxPendingSessionCount, &pendRaw, &totalRaw, &p.DefaultForUnspecified,
	)
	if err != nil {
		return nil, err
	}
	if p.TotalResourceSlots, err = slotsFromJSON(totalRaw); err != nil {
		return nil, err
	}
	if p.MaxPendingSessionResourceSlots, err = slotsFromJSON(pendRaw); err != nil {
		return nil, err
	}
	return &p, nil
}

// ReserveAgent implements Registry.
func (r *PostgresRedis) ReserveAgent(ctx context.Context, scalingGroup, agentID string, slots resource.Slots) (AgentAllocCtx, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.RegistryQueryDuration, "reserve_agent")

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return AgentAllocCtx{}, fmt.Errorf("begin reserve transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		addr   string
		availR []byte
		occR   []byte
		status domain.AgentStatus
	)
	// SELECT ... FOR UPDATE takes the row-level lock spec.md §5 requires
	// for agent.occupied_slots updates inside a transaction.
	err = tx.QueryRowxContext(ctx, `
		SELECT addr, available_slots, occupied_slots, status
		FROM agents WHERE id = $1 FOR UPDATE
	`, agentID).Scan(&addr, &availR, &occR, &status)
	if err != nil {
		return AgentAllocCtx{}, fmt.Errorf("load agent %s for reservation: %w", agentID, err)
	}
	if status != domain.AgentStatusAlive {
		return AgentAllocCtx{}, &domain.AgentError{Kind: domain.AgentErrorLost, AgentID: agentID, Err: fmt.Errorf("agent not alive")}
	}

	avail, err := slotsFromJSON(availR)
	if err != nil {
		return AgentAllocCtx{}, err
	}
	occ, err := slotsFromJSON(occR)
	if err != nil {
		return AgentAllocCtx{}, err
	}

	free, err := avail.Sub(occ)
	if err != nil {
		return AgentAllocCtx{}, &domain.CapacityError{ScalingGroup: scalingGroup, Err: err}
	}
	if !slots.LessEq(free) {
		return AgentAllocCtx{}, &domain.CapacityError{ScalingGroup: scalingGroup, Err: fmt.Errorf("agent %s has insufficient free capacity", agentID)}
	}

	newOcc := occ.Add(slots)
	newOccJSON, err := slotsToJSON(newOcc)
	if err != nil {
		return AgentAllocCtx{}, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE agents SET occupied_slots = $1 WHERE id = $2`, newOccJSON, agentID); err != nil {
		return AgentAllocCtx{}, fmt.Errorf("update agent occupied_slots: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return AgentAllocCtx{}, fmt.Errorf("commit reservation: %w", err)
	}

	return AgentAllocCtx{AgentID: agentID, AgentAddr: addr, Slots: slots}, nil
}

// ReleaseAgent implements Registry.
func (r *PostgresRedis) ReleaseAgent(ctx context.Context, agentID string, slots resource.Slots) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.RegistryQueryDuration, "release_agent")

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin release transaction: %w", err)
	}
	defer tx.Rollback()

	var occR []byte
	if err := tx.QueryRowxContext(ctx, `SELECT occupied_slots FROM agents WHERE id = $1 FOR UPDATE`, agentID).Scan(&occR); err != nil {
		return fmt.Errorf("load agent %s for release: %w", agentID, err)
	}
	occ, err := slotsFromJSON(occR)
	if err != nil {
		return err
	}

	newOcc, err := occ.Sub(slots)
	if err != nil {
		// Releasing more than is occupied indicates bookkeeping drift; log
		// and clamp to zero rather than failing the release outright.
		log.WithComponent("registry").Warn().Str("agent_id", agentID).Msg("release exceeded occupied_slots, clamping to zero")
		newOcc = resource.NewSlots()
	}

	newOccJSON, err := slotsToJSON(newOcc)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE agents SET occupied_slots = $1 WHERE id = $2`, newOccJSON, agentID); err != nil {
		return fmt.Errorf("update agent occupied_slots: %w", err)
	}

	return tx.Commit()
}

// FinalizeSingleNodeSession implements Registry.
func (r *PostgresRedis) FinalizeSingleNodeSession(ctx context.Context, sessionID string, alloc AgentAllocCtx) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin finalize transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE kernels SET agent_id = $1, agent_addr = $2, status = $3 WHERE session_id = $4
	`, alloc.AgentID, alloc.AgentAddr, domain.KernelStatusScheduled, sessionID); err != nil {
		return fmt.Errorf("assign kernel: %w", err)
	}

	if err := markStatusTx(ctx, tx, sessionID, domain.SessionStatusScheduled, "", nil); err != nil {
		return err
	}
	return tx.Commit()
}

// FinalizeMultiNodeSession implements Registry.
func (r *PostgresRedis) FinalizeMultiNodeSession(ctx context.Context, sessionID string, bindings []KernelBinding) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin finalize transaction: %w", err)
	}
	defer tx.Rollback()

	for _, b := range bindings {
		if _, err := tx.ExecContext(ctx, `
			UPDATE kernels SET agent_id = $1, agent_addr = $2, status = $3 WHERE id = $4
		`, b.Alloc.AgentID, b.Alloc.AgentAddr, domain.KernelStatusScheduled, b.KernelID); err != nil {
			return fmt.Errorf("assign kernel %s: %w", b.KernelID, err)
		}
	}

	if err := markStatusTx(ctx, tx, sessionID, domain.SessionStatusScheduled, "", nil); err != nil {
		return err
	}
	return tx.Commit()
}

func markStatusTx(ctx context.Context, tx *sqlx.Tx, sessionID string, status domain.SessionStatus, reason string, extra map[string]string) error {
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET status = $1 WHERE id = $2`, status, sessionID); err != nil {
		return fmt.Errorf("update session status: %w", err)
	}

	extraJSON, err := json.Marshal(extra)
	if err != nil {
		return fmt.Errorf("encode status history extra: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO session_status_history (session_id, status, reason, extra, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
	`, sessionID, status, reason, extraJSON, time.Now().UTC()); err != nil {
		return fmt.Errorf("insert status history: %w", err)
	}
	return nil
}

// MarkSessionStatus implements Registry.
func (r *PostgresRedis) MarkSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus, reason string, extra map[string]string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark-status transaction: %w", err)
	}
	defer tx.Rollback()

	if err := markStatusTx(ctx, tx, sessionID, status, reason, extra); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateSessionSchedulingFailure implements Registry.
func (r *PostgresRedis) UpdateSessionSchedulingFailure(ctx context.Context, sessionID, msg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET retries = retries + 1, status_reason = $1 WHERE id = $2
	`, msg, sessionID)
	if err != nil {
		return fmt.Errorf("update session scheduling failure: %w", err)
	}
	return nil
}

// UpdateKernelSchedulingFailure implements Registry.
func (r *PostgresRedis) UpdateKernelSchedulingFailure(ctx context.Context, sessionID, kernelID, msg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE kernels SET status = $1 WHERE id = $2 AND session_id = $3
	`, domain.KernelStatusCancelled, kernelID, sessionID)
	if err != nil {
		return fmt.Errorf("update kernel scheduling failure: %w", err)
	}
	log.WithSession(sessionID).Warn().Str("kernel_id", kernelID).Str("reason", msg).Msg("kernel scheduling failed")
	return nil
}

// CheckKeypairConcurrency implements Registry.
func (r *PostgresRedis) CheckKeypairConcurrency(ctx context.Context, accessKey string, isSFTP bool) (int, int, error) {
	var limit int
	col := "max_concurrent_sessions"
	if isSFTP {
		col = "max_concurrent_sftp_sessions"
	}
	err := r.db.GetContext(ctx, &limit, fmt.Sprintf(`
		SELECT %s FROM keypair_resource_policies p
		JOIN keypairs k ON k.access_key = $1
		WHERE p.access_key = k.access_key
	`, col), accessKey)
	if err != nil {
		return 0, 0, fmt.Errorf("load concurrency limit: %w", err)
	}

	used, err := r.redis.Get(ctx, concurrencyKey(accessKey, isSFTP)).Int()
	if err != nil && err != redis.Nil {
		return 0, 0, fmt.Errorf("read concurrency counter: %w", err)
	}
	return limit, used, nil
}

// IncrConcurrency implements Registry.
func (r *PostgresRedis) IncrConcurrency(ctx context.Context, accessKey string, isSFTP bool) error {
	if err := r.redis.Incr(ctx, concurrencyKey(accessKey, isSFTP)).Err(); err != nil {
		r.writeCompensation(ctx, accessKey, isSFTP, 1)
		return fmt.Errorf("incr concurrency counter: %w", err)
	}
	return nil
}

// DecrConcurrency implements Registry.
func (r *PostgresRedis) DecrConcurrency(ctx context.Context, accessKey string, isSFTP bool) error {
	if err := r.redis.Decr(ctx, concurrencyKey(accessKey, isSFTP)).Err(); err != nil {
		r.writeCompensation(ctx, accessKey, isSFTP, -1)
		return fmt.Errorf("decr concurrency counter: %w", err)
	}
	return nil
}

// writeCompensation records a counter adjustment that failed to apply
// to Redis. Nothing reads these rows back: RescanConcurrency recomputes
// every counter from the sessions table each reconciler cycle, which
// bounds drift to at most one cycle.
func (r *PostgresRedis) writeCompensation(ctx context.Context, accessKey string, isSFTP bool, delta int) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO concurrency_compensations (access_key, is_sftp, delta, recorded_at)
		VALUES ($1, $2, $3, $4)
	`, accessKey, isSFTP, delta, time.Now().UTC())
	if err != nil {
		log.WithComponent("registry").Error().Err(err).Str("access_key", accessKey).Msg("failed to record concurrency compensation")
	}
}

// RescanConcurrency implements Registry.
func (r *PostgresRedis) RescanConcurrency(ctx context.Context) (int, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.RegistryQueryDuration, "rescan_concurrency")

	rows, err := r.db.QueryxContext(ctx, `
		SELECT access_key, COUNT(*) FILTER (WHERE NOT private) AS used,
		       COUNT(*) FILTER (WHERE private) AS sftp_used
		FROM sessions
		WHERE status = ANY($1)
		GROUP BY access_key
	`, occupyingStatuses())
	if err != nil {
		return 0, fmt.Errorf("rescan concurrency: %w", err)
	}
	defer rows.Close()

	drift := 0
	for rows.Next() {
		var accessKey string
		var used, sftpUsed int
		if err := rows.Scan(&accessKey, &used, &sftpUsed); err != nil {
			return drift, fmt.Errorf("scan rescan row: %w", err)
		}

		current, _ := r.redis.Get(ctx, concurrencyKey(accessKey, false)).Int()
		if current != used {
			drift++
			r.redis.Set(ctx, concurrencyKey(accessKey, false), used, 0)
		}
		currentSFTP, _ := r.redis.Get(ctx, concurrencyKey(accessKey, true)).Int()
		if currentSFTP != sftpUsed {
			drift++
			r.redis.Set(ctx, concurrencyKey(accessKey, true), sftpUsed, 0)
		}
	}

	metrics.ConcurrencyCounterDrift.Set(float64(drift))
	metrics.ConcurrencyRescans.Inc()
	return drift, rows.Err()
}

func occupyingStatuses() []domain.SessionStatus {
	return []domain.SessionStatus{
		domain.SessionStatusScheduled, domain.SessionStatusPreparing, domain.SessionStatusPrepared,
		domain.SessionStatusCreating, domain.SessionStatusRunning, domain.SessionStatusTerminating,
	}
}

// AutoscaleEndpoints implements Registry.
func (r *PostgresRedis) AutoscaleEndpoints(ctx context.Context) (int, error) {
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, `SELECT id FROM endpoints WHERE lifecycle_stage = $1`, domain.EndpointStageCreated); err != nil {
		return 0, fmt.Errorf("load active endpoints: %w", err)
	}
	// The actual replica-delta decision (apply rules, compare active vs.
	// replicas, select victims) lives in pkg/reconciler's AutoscaleServices
	// stage, which calls this Registry's narrower per-endpoint methods;
	// this aggregate is kept for callers that only need a count.
	return len(ids), nil
}

// CleanZombieRoutes implements Registry.
func (r *PostgresRedis) CleanZombieRoutes(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM routings WHERE session_id NOT IN (SELECT id FROM sessions)
	`)
	if err != nil {
		return 0, fmt.Errorf("clean zombie routes: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		metrics.ZombieRoutesCleaned.Add(float64(n))
	}
	return int(n), nil
}

// DestroyTerminatedEndpointsAndRoutes implements Registry.
func (r *PostgresRedis) DestroyTerminatedEndpointsAndRoutes(ctx context.Context) (int, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin destroy transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM endpoints
		WHERE lifecycle_stage = $1
		AND id NOT IN (SELECT endpoint_id FROM routings WHERE status IN ($2, $3))
	`, domain.EndpointStageDestroying, domain.RoutingStatusProvisioning, domain.RoutingStatusHealthy)
	if err != nil {
		return 0, fmt.Errorf("destroy terminated endpoints: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), tx.Commit()
}

// TerminatingSessionsPastDeadline implements Registry.
func (r *PostgresRedis) TerminatingSessionsPastDeadline(ctx context.Context, hangTolerance int64) ([]domain.SessionView, error) {
	deadline := r.clock.Now().Add(-time.Duration(hangTolerance) * time.Second)

	rows, err := r.db.QueryxContext(ctx, `
		SELECT s.id, s.status, s.access_key, s.private, h.recorded_at
		FROM sessions s
		JOIN LATERAL (
			SELECT recorded_at FROM session_status_history
			WHERE session_id = s.id ORDER BY recorded_at DESC LIMIT 1
		) h ON true
		WHERE s.status IN ($1, $2) AND h.recorded_at < $3
	`, domain.SessionStatusPreparing, domain.SessionStatusTerminating, deadline)
	if err != nil {
		return nil, fmt.Errorf("load sessions past hang tolerance: %w", err)
	}
	defer rows.Close()

	var out []domain.SessionView
	for rows.Next() {
		var view domain.SessionView
		var recordedAt time.Time
		if err := rows.Scan(&view.ID, &view.Status, &view.Owner.AccessKey, &view.Private, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan hung session: %w", err)
		}
		out = append(out, view)
	}
	return out, rows.Err()
}

// SessionsWithAllKernelsTerminated implements Registry.
func (r *PostgresRedis) SessionsWithAllKernelsTerminated(ctx context.Context) ([]domain.SessionView, error) {
	rows, err := r.db.QueryxContext(ctx, `
		SELECT s.id, s.status, s.access_key, s.private
		FROM sessions s
		WHERE s.status = $1
		AND NOT EXISTS (
			SELECT 1 FROM kernels k WHERE k.session_id = s.id AND k.status != $2
		)
	`, domain.SessionStatusTerminating, domain.KernelStatusTerminated)
	if err != nil {
		return nil, fmt.Errorf("load fully-terminated sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.SessionView
	for rows.Next() {
		var view domain.SessionView
		if err := rows.Scan(&view.ID, &view.Status, &view.Owner.AccessKey, &view.Private); err != nil {
			return nil, fmt.Errorf("scan terminated session: %w", err)
		}
		out = append(out, view)
	}
	return out, rows.Err()
}

// AgentsPastHeartbeatThreshold implements Registry.
func (r *PostgresRedis) AgentsPastHeartbeatThreshold(ctx context.Context, thresholdSeconds int64) ([]domain.AgentView, error) {
	deadline := r.clock.Now().Add(-time.Duration(thresholdSeconds) * time.Second)

	rows, err := r.db.QueryxContext(ctx, `
		SELECT id, addr, scaling_group FROM agents
		WHERE status = $1 AND last_heartbeat < $2
	`, domain.AgentStatusAlive, deadline)
	if err != nil {
		return nil, fmt.Errorf("load stale agents: %w", err)
	}
	defer rows.Close()

	var out []domain.AgentView
	for rows.Next() {
		var view domain.AgentView
		if err := rows.Scan(&view.ID, &view.Addr, &view.ScalingGroup); err != nil {
			return nil, fmt.Errorf("scan stale agent: %w", err)
		}
		out = append(out, view)
	}
	return out, rows.Err()
}

// MarkAgentLost implements Registry.
func (r *PostgresRedis) MarkAgentLost(ctx context.Context, agentID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE agents SET status = $1 WHERE id = $2`, domain.AgentStatusLost, agentID)
	if err != nil {
		return fmt.Errorf("mark agent lost: %w", err)
	}
	log.WithAgent(agentID).Warn().Msg("agent marked LOST after heartbeat silence")
	return nil
}

// SetAgentSchedulable implements Registry.
func (r *PostgresRedis) SetAgentSchedulable(ctx context.Context, agentID string, schedulable bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE agents SET schedulable = $1 WHERE id = $2`, schedulable, agentID)
	if err != nil {
		return fmt.Errorf("set agent schedulable: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set agent schedulable: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("unknown agent %s", agentID)
	}
	return nil
}

// RunningKernels implements Registry.
func (r *PostgresRedis) RunningKernels(ctx context.Context) ([]domain.Kernel, error) {
	rows, err := r.db.QueryxContext(ctx, `
		SELECT k.id, k.session_id, k.role, k.architecture, k.image, k.requested_slots,
		       k.agent_id, k.agent_addr, k.status, k.created_at
		FROM kernels k
		JOIN sessions s ON s.id = k.session_id
		WHERE s.status = $1
	`, domain.SessionStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("load running kernels: %w", err)
	}
	defer rows.Close()

	var out []domain.Kernel
	for rows.Next() {
		var (
			k         domain.Kernel
			slotsRaw  []byte
			agentID   sql.NullString
			agentAddr sql.NullString
		)
		if err := rows.Scan(&k.ID, &k.SessionID, &k.Role, &k.Architecture, &k.Image, &slotsRaw, &agentID, &agentAddr, &k.Status, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan kernel: %w", err)
		}
		slots, err := slotsFromJSON(slotsRaw)
		if err != nil {
			return nil, err
		}
		k.RequestedSlots = slots
		k.AgentID = agentID.String
		k.AgentAddr = agentAddr.String
		out = append(out, k)
	}
	return out, rows.Err()
}

// UpdateKernelStat implements Registry.
func (r *PostgresRedis) UpdateKernelStat(ctx context.Context, kernelID string, status domain.KernelStatus, stat map[string]string) error {
	statJSON, err := json.Marshal(stat)
	if err != nil {
		return fmt.Errorf("marshal kernel stat: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `UPDATE kernels SET status = $1, last_stat = $2 WHERE id = $3`, status, statJSON, kernelID)
	if err != nil {
		return fmt.Errorf("update kernel stat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update kernel stat: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("unknown kernel %s", kernelID)
	}
	return nil
}

// ClusterCounts implements Registry.
func (r *PostgresRedis) ClusterCounts(ctx context.Context) (ClusterCounts, error) {
	counts := ClusterCounts{
		AgentsByStatus:   make(map[domain.AgentStatus]int),
		SessionsByStatus: make(map[domain.SessionStatus]int),
		KernelsByStatus:  make(map[domain.KernelStatus]int),
		EndpointsByStage: make(map[domain.EndpointLifecycleStage]int),
		RoutingsByStatus: make(map[domain.RoutingStatus]int),
	}

	if err := scanStatusCounts(ctx, r.db, "SELECT status, COUNT(*) FROM agents GROUP BY status", func(status string, n int) {
		counts.AgentsByStatus[domain.AgentStatus(status)] = n
	}); err != nil {
		return counts, fmt.Errorf("count agents: %w", err)
	}
	if err := scanStatusCounts(ctx, r.db, "SELECT status, COUNT(*) FROM sessions GROUP BY status", func(status string, n int) {
		counts.SessionsByStatus[domain.SessionStatus(status)] = n
	}); err != nil {
		return counts, fmt.Errorf("count sessions: %w", err)
	}
	if err := scanStatusCounts(ctx, r.db, "SELECT status, COUNT(*) FROM kernels GROUP BY status", func(status string, n int) {
		counts.KernelsByStatus[domain.KernelStatus(status)] = n
	}); err != nil {
		return counts, fmt.Errorf("count kernels: %w", err)
	}
	if err := scanStatusCounts(ctx, r.db, "SELECT lifecycle_stage, COUNT(*) FROM endpoints GROUP BY lifecycle_stage", func(stage string, n int) {
		counts.EndpointsByStage[domain.EndpointLifecycleStage(stage)] = n
	}); err != nil {
		return counts, fmt.Errorf("count endpoints: %w", err)
	}
	if err := scanStatusCounts(ctx, r.db, "SELECT status, COUNT(*) FROM routings GROUP BY status", func(status string, n int) {
		counts.RoutingsByStatus[domain.RoutingStatus(status)] = n
	}); err != nil {
		return counts, fmt.Errorf("count routings: %w", err)
	}

	return counts, nil
}

func scanStatusCounts(ctx context.Context, db *sqlx.DB, query string, set func(key string, n int)) error {
	rows, err := db.QueryxContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		set(key, n)
	}
	return rows.Err()
}

// ListActiveEndpoints implements Registry.
func (r *PostgresRedis) ListActiveEndpoints(ctx context.Context) ([]domain.Endpoint, error) {
	rows, err := r.db.QueryxContext(ctx, `
		SELECT id, model, replicas, lifecycle_stage, retries, autoscaling_rules, created_at
		FROM endpoints WHERE lifecycle_stage = $1
	`, domain.EndpointStageCreated)
	if err != nil {
		return nil, fmt.Errorf("list active endpoints: %w", err)
	}
	defer rows.Close()

	var out []domain.Endpoint
	for rows.Next() {
		var ep domain.Endpoint
		var rulesJSON []byte
		if err := rows.Scan(&ep.ID, &ep.Model, &ep.Replicas, &ep.LifecycleStage, &ep.Retries, &rulesJSON, &ep.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan endpoint: %w", err)
		}
		if len(rulesJSON) > 0 {
			if err := json.Unmarshal(rulesJSON, &ep.AutoscalingRules); err != nil {
				return nil, fmt.Errorf("unmarshal autoscaling rules for endpoint %s: %w", ep.ID, err)
			}
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

// RoutingsForEndpoint implements Registry.
func (r *PostgresRedis) RoutingsForEndpoint(ctx context.Context, endpointID string) ([]domain.Routing, error) {
	rows, err := r.db.QueryxContext(ctx, `
		SELECT id, endpoint_id, session_id, status, created_at
		FROM routings WHERE endpoint_id = $1
	`, endpointID)
	if err != nil {
		return nil, fmt.Errorf("list routings for endpoint %s: %w", endpointID, err)
	}
	defer rows.Close()

	var out []domain.Routing
	for rows.Next() {
		var rt domain.Routing
		if err := rows.Scan(&rt.ID, &rt.EndpointID, &rt.SessionID, &rt.Status, &rt.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan routing: %w", err)
		}
		out = append(out, rt)
	}
	return out, rows.Err()
}

// UpdateEndpointReplicas implements Registry.
func (r *PostgresRedis) UpdateEndpointReplicas(ctx context.Context, endpointID string, replicas int) error {
	_, err := r.db.ExecContext(ctx, `UPDATE endpoints SET replicas = $1 WHERE id = $2`, replicas, endpointID)
	if err != nil {
		return fmt.Errorf("update endpoint %s replicas: %w", endpointID, err)
	}
	return nil
}

// TerminateRouting implements Registry.
func (r *PostgresRedis) TerminateRouting(ctx context.Context, routingID string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin terminate routing transaction: %w", err)
	}
	defer tx.Rollback()

	var sessionID string
	if err := tx.GetContext(ctx, &sessionID, `
		UPDATE routings SET status = $1 WHERE id = $2 RETURNING session_id
	`, domain.RoutingStatusTerminating, routingID); err != nil {
		return fmt.Errorf("mark routing %s terminating: %w", routingID, err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET status = $1 WHERE id = $2`, domain.SessionStatusTerminating, sessionID); err != nil {
		return fmt.Errorf("force-terminate session %s for routing %s: %w", sessionID, routingID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO session_status_history (session_id, status, reason, recorded_at)
		VALUES ($1, $2, $3, now())
	`, sessionID, domain.SessionStatusTerminating, "endpoint autoscale-down"); err != nil {
		return fmt.Errorf("record force-terminate history for session %s: %w", sessionID, err)
	}

	return tx.Commit()
}
