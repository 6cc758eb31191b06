// Package main implements the refinery-dash interactive dashboard.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
)

// robotMode outputs a JSON snapshot of the fleet and recent runs for
// scripting against the dashboard's data without a terminal.
func robotMode(dbPath string) ([]byte, error) {
	servers, err := FetchServers(dbPath)
	if err != nil {
		return nil, err
	}
	runs, err := FetchRuns(dbPath, 20)
	if err != nil {
		return nil, err
	}
	snapshot := map[string]any{
		"servers": servers,
		"runs":    runs,
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return data, nil
}

func main() {
	robot := flag.Bool("robot", false, "print a JSON snapshot and exit")
	flag.Parse()

	if *robot {
		data, err := robotMode(defaultDBPath())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(data))
		return
	}

	p := tea.NewProgram(newModel(), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running dashboard: %v\n", err)
		os.Exit(1)
	}
}
