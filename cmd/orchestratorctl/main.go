// orchestratorctl is the admin CLI: seed personas, start/stop named
// pools through the daemon's REST surface, and publish smoke-test
// events. Exit codes are 0 on success, 1 on configuration error, 2 on
// transport error.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/vibesdlc/orchestrator/internal/apperr"
	"github.com/vibesdlc/orchestrator/internal/domain"
	"github.com/vibesdlc/orchestrator/internal/logging"
	"github.com/vibesdlc/orchestrator/internal/store"
	tnats "github.com/vibesdlc/orchestrator/internal/transport/nats"
)

var (
	dbDSN   string
	apiAddr string
	natsURL string
)

var rootCmd = &cobra.Command{
	Use:           "orchestratorctl",
	Short:         "Admin utilities for the agent orchestration core",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbDSN, "db", "orchestrator.db", "SQLite DSN for commands that touch the store directly")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:8080", "base URL of the orchestratord REST API")
	rootCmd.PersistentFlags().StringVar(&natsURL, "nats", "nats://127.0.0.1:4222", "NATS URL for publish commands")

	poolCmd.AddCommand(poolStartCmd, poolStopCmd)
	rootCmd.AddCommand(seedCmd, poolCmd, publishTestCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "orchestratorctl: %v\n", err)
		if apperr.Is(err, apperr.KindTransient) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// defaultPersonas is the seed set, one per specialized role.
var defaultPersonas = []domain.Persona{
	{Name: "Coordinator", Role: domain.RoleTeamLeader, Traits: []string{"decisive", "concise"}, Style: "direct"},
	{Name: "Analyst", Role: domain.RoleBusinessAnalyst, Traits: []string{"thorough", "curious"}, Style: "structured"},
	{Name: "Builder", Role: domain.RoleDeveloper, Traits: []string{"pragmatic", "test-minded"}, Style: "terse"},
	{Name: "Skeptic", Role: domain.RoleTester, Traits: []string{"adversarial", "methodical"}, Style: "precise"},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the default persona set into the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := store.Open(dbDSN, logging.Noop())
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer db.Close()

		personas := store.NewPersonas(db)
		seeded := 0
		for _, p := range defaultPersonas {
			p.ID = uuid.New().String()
			if err := personas.Create(cmd.Context(), &p); err != nil {
				if apperr.Is(err, apperr.KindConflict) {
					continue // already seeded
				}
				return err
			}
			seeded++
		}
		fmt.Printf("seeded %d personas (%d already present)\n", seeded, len(defaultPersonas)-seeded)
		return nil
	},
}

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Start or stop named pools on a running daemon",
}

var poolStartCmd = &cobra.Command{
	Use:   "start NAME",
	Short: "Start a named pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return poolAction(args[0], "start")
	},
}

var poolStopCmd = &cobra.Command{
	Use:   "stop NAME",
	Short: "Stop a named pool, terminating its agents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return poolAction(args[0], "stop")
	},
}

func poolAction(name, action string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	url := fmt.Sprintf("%s/pools/%s/%s", apiAddr, name, action)
	resp, err := client.Post(url, "application/json", nil)
	if err != nil {
		return apperr.Transient("ctl.pool", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body map[string]string
		json.NewDecoder(resp.Body).Decode(&body)
		return fmt.Errorf("pool %s %s: %s (%s)", name, action, resp.Status, body["error"])
	}
	fmt.Printf("pool %s: %s\n", name, action)
	return nil
}

var publishTestCmd = &cobra.Command{
	Use:   "publish-test PROJECT_ID [MESSAGE]",
	Short: "Publish a smoke-test user message event",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		content := "what's our WIP?"
		if len(args) > 1 {
			content = args[1]
		}

		client, err := tnats.Connect(natsURL, logging.Noop())
		if err != nil {
			return apperr.Transient("ctl.publish", err)
		}
		defer client.Close()

		evt := domain.UserMessageEvent{
			EventID:   uuid.New().String(),
			ProjectID: args[0],
			UserID:    "smoke-test",
			Content:   content,
			Timestamp: time.Now().UTC(),
		}
		data, err := json.Marshal(evt)
		if err != nil {
			return err
		}
		if err := client.Publish(string(domain.TopicUserMessages), data); err != nil {
			return apperr.Transient("ctl.publish", err)
		}
		fmt.Printf("published %s to %s\n", evt.EventID, domain.TopicUserMessages)
		return nil
	},
}
