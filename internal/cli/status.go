package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/amialive/amialive/internal/config"
)

var statusObserverURL string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the entity's current state from a running observer",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusObserverURL, "observer", "", "Observer base URL (default from environment)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	base := statusObserverURL
	if base == "" {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		base = cfg.Observer.PublicURL
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(base + "/api/state")
	if err != nil {
		return fmt.Errorf("reach observer: %w", err)
	}
	defer resp.Body.Close()

	var state struct {
		LifeNumber int64   `json:"life_number"`
		IsAlive    bool    `json:"is_alive"`
		BornAt     string  `json:"born_at"`
		Model      string  `json:"model"`
		BalanceUSD float64 `json:"balance_usd"`
		Votes      struct {
			Live int `json:"live"`
			Die  int `json:"die"`
		} `json:"votes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return fmt.Errorf("parse state: %w", err)
	}

	bold := color.New(color.Bold)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	bold.Println("Am I Alive?")
	if state.IsAlive {
		green.Printf("  ALIVE — life %d\n", state.LifeNumber)
	} else {
		red.Printf("  DEAD — %d lives so far\n", state.LifeNumber)
	}
	if state.BornAt != "" {
		fmt.Printf("  born:    %s\n", state.BornAt)
	}
	if state.Model != "" {
		fmt.Printf("  model:   %s\n", state.Model)
	}
	fmt.Printf("  votes:   %d live / %d die\n", state.Votes.Live, state.Votes.Die)
	switch {
	case state.BalanceUSD <= 0.01:
		red.Printf("  balance: $%.2f (bankrupt)\n", state.BalanceUSD)
	case state.BalanceUSD < 1.00:
		yellow.Printf("  balance: $%.2f (low)\n", state.BalanceUSD)
	default:
		fmt.Printf("  balance: $%.2f\n", state.BalanceUSD)
	}
	return nil
}
