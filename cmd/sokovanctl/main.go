package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/sokovan/manager/pkg/agentrpc"
	"github.com/sokovan/manager/pkg/domain"
	"github.com/sokovan/manager/pkg/events"
	"github.com/sokovan/manager/pkg/lock"
	"github.com/sokovan/manager/pkg/registry"
	"github.com/sokovan/manager/pkg/scheduler"
)

// sokovanctl is a thin administrative CLI: it talks to the same
// Postgres/Redis state sokovand does, rather than to a remote API the
// way the teacher's pkg/client dials the manager's gRPC port — sokovan
// exposes no administrative RPC surface, so the operator's tool is a
// direct (and trusted) registry client.
var (
	Version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "sokovanctl",
	Short:   "sokovanctl - inspect and administer a sokovan deployment",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("postgres-dsn", "", "Postgres connection string (required)")
	rootCmd.PersistentFlags().String("redis-addr", "127.0.0.1:6379", "Redis address")

	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(tickCmd)
	rootCmd.AddCommand(agentCmd)
}

func openRegistry(cmd *cobra.Command) (*registry.PostgresRedis, *sql.DB, func(), error) {
	dsn, _ := cmd.Flags().GetString("postgres-dsn")
	if dsn == "" {
		return nil, nil, nil, fmt.Errorf("--postgres-dsn is required")
	}
	redisAddr, _ := cmd.Flags().GetString("redis-addr")

	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	db := sqlx.NewDb(sqlDB, "postgres")

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})

	closeAll := func() {
		rdb.Close()
		sqlDB.Close()
	}

	return registry.New(db, rdb), sqlDB, closeAll, nil
}

var queueCmd = &cobra.Command{
	Use:   "queue SCALING_GROUP",
	Short: "List pending sessions queued for a scaling group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scalingGroup := args[0]
		limit, _ := cmd.Flags().GetInt("limit")

		reg, _, closeAll, err := openRegistry(cmd)
		if err != nil {
			return err
		}
		defer closeAll()

		sessions, err := reg.DequeuePending(context.Background(), scalingGroup, limit)
		if err != nil {
			return fmt.Errorf("dequeue pending: %w", err)
		}

		if len(sessions) == 0 {
			fmt.Println("No pending sessions")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tACCESS KEY\tPRIORITY\tCREATED AT")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.ID, s.Owner.AccessKey, s.Priority, s.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

func init() {
	queueCmd.Flags().Int("limit", 50, "Maximum number of sessions to list")
}

var tickCmd = &cobra.Command{
	Use:   "tick SCALING_GROUP",
	Short: "Force one scheduler tick (Stages A-C) for a scaling group out of band",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scalingGroup := args[0]
		schedulerType, _ := cmd.Flags().GetString("scheduler-type")
		selectorStrategy, _ := cmd.Flags().GetString("agent-selection-strategy")

		reg, sqlDB, closeAll, err := openRegistry(cmd)
		if err != nil {
			return err
		}
		defer closeAll()

		locks := lock.NewAdvisoryPG(sqlDB)
		bus := events.NewBus(nil)
		dial := func(agentID, addr string) (agentrpc.AgentServiceClient, error) {
			return agentrpc.Dial(agentID, addr, nil)
		}

		sched := scheduler.New(reg, locks, bus, dial)
		sched.RegisterScalingGroup(scheduler.ScalingGroupConfig{
			Name:             scalingGroup,
			SchedulerType:    domain.SchedulerType(schedulerType),
			SelectorStrategy: domain.AgentSelectionStrategy(selectorStrategy),
			DequeueLimit:     50,
		})

		if err := sched.Tick(context.Background(), scalingGroup); err != nil {
			return fmt.Errorf("tick %s: %w", scalingGroup, err)
		}

		fmt.Printf("✓ Ticked scaling group %s\n", scalingGroup)
		return nil
	},
}

func init() {
	tickCmd.Flags().String("scheduler-type", string(domain.SchedulerTypeFIFO), "Scheduler strategy: fifo, lifo, drf")
	tickCmd.Flags().String("agent-selection-strategy", string(domain.AgentSelectionRoundRobin), "Agent selector: round-robin, concentrated, dispersed, legacy")
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Administer agents",
}

var agentDrainCmd = &cobra.Command{
	Use:   "drain AGENT_ID",
	Short: "Mark an agent unschedulable; already-placed sessions keep running",
	Args:  cobra.ExactArgs(1),
	RunE:  setSchedulable(false),
}

var agentUndrainCmd = &cobra.Command{
	Use:   "undrain AGENT_ID",
	Short: "Mark a previously drained agent schedulable again",
	Args:  cobra.ExactArgs(1),
	RunE:  setSchedulable(true),
}

func setSchedulable(schedulable bool) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		agentID := args[0]

		reg, _, closeAll, err := openRegistry(cmd)
		if err != nil {
			return err
		}
		defer closeAll()

		if err := reg.SetAgentSchedulable(context.Background(), agentID, schedulable); err != nil {
			return fmt.Errorf("set agent schedulable: %w", err)
		}

		verb := "drained"
		if schedulable {
			verb = "undrained"
		}
		fmt.Printf("✓ Agent %s %s\n", agentID, verb)
		return nil
	}
}

func init() {
	agentCmd.AddCommand(agentDrainCmd)
	agentCmd.AddCommand(agentUndrainCmd)
}
