package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var adminAddr string

var shardsCmd = &cobra.Command{
	Use:   "shards",
	Short: "Render the current flask/target assignment from a running chemist's admin API",
	RunE:  runShards,
}

func init() {
	shardsCmd.Flags().StringVar(&adminAddr, "admin", "http://localhost:8080", "chemist admin HTTP base URL")
}

type shardsResponse struct {
	Flasks     map[string][]string `json:"flasks"`
	Unassigned []string            `json:"unassigned"`
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00FF99"))
	flaskStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#874BFD")).Bold(true)
	targetStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#E2E8F0"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
)

func runShards(cmd *cobra.Command, args []string) error {
	resp, err := http.Get(adminAddr + "/shards")
	if err != nil {
		return fmt.Errorf("fetching /shards: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading /shards response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chemist admin returned status %d: %s", resp.StatusCode, body)
	}

	var shards shardsResponse
	if err := json.Unmarshal(body, &shards); err != nil {
		return fmt.Errorf("decoding /shards response: %w", err)
	}

	fmt.Println(headerStyle.Render(fmt.Sprintf("CHEMIST SHARDS (%s)", adminAddr)))

	flaskIDs := make([]string, 0, len(shards.Flasks))
	for id := range shards.Flasks {
		flaskIDs = append(flaskIDs, id)
	}
	sort.Strings(flaskIDs)

	for _, id := range flaskIDs {
		targets := shards.Flasks[id]
		sort.Strings(targets)
		fmt.Printf("%s (%d targets)\n", flaskStyle.Render(id), len(targets))
		for _, t := range targets {
			fmt.Printf("  %s\n", targetStyle.Render(t))
		}
	}

	if len(shards.Unassigned) > 0 {
		sort.Strings(shards.Unassigned)
		fmt.Println(warnStyle.Render(fmt.Sprintf("unassigned (%d)", len(shards.Unassigned))))
		for _, t := range shards.Unassigned {
			fmt.Printf("  %s\n", targetStyle.Render(t))
		}
	}

	return nil
}
