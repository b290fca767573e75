package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/seawatts/cove/internal/config"
)

// RunStatus queries a running hub's status endpoint and prints a short
// summary.
func RunStatus(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	host := cfg.ListenHost
	if host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	url := fmt.Sprintf("http://%s:%d/api/hub/status", host, cfg.ListenPort)

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("hub not reachable at %s: %w", url, err)
	}
	defer resp.Body.Close()

	var status struct {
		HubID            string `json:"hub_id"`
		Version          string `json:"version"`
		Uptime           string `json:"uptime"`
		LocalOnly        bool   `json:"local_only"`
		DiscoveryEnabled bool   `json:"discovery_enabled"`
		ConsumerMode     string `json:"consumer_mode"`
		Devices          int    `json:"devices"`
		Entities         int    `json:"entities"`
		EventsPublished  uint64 `json:"events_published"`
		EventsDropped    uint64 `json:"events_dropped"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}

	mode := "connected"
	if status.LocalOnly {
		mode = "local-only"
	}
	discovery := "enabled"
	if !status.DiscoveryEnabled {
		discovery = "disabled"
	}

	fmt.Printf("hub %s (v%s)\n", status.HubID, status.Version)
	fmt.Printf("  uptime:    %s\n", status.Uptime)
	fmt.Printf("  mode:      %s\n", mode)
	fmt.Printf("  discovery: %s\n", discovery)
	fmt.Printf("  commands:  %s\n", status.ConsumerMode)
	fmt.Printf("  devices:   %d\n", status.Devices)
	fmt.Printf("  entities:  %d\n", status.Entities)
	fmt.Printf("  events:    %d published, %d dropped\n", status.EventsPublished, status.EventsDropped)
	return nil
}
