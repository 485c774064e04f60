// copyctl is a small operator CLI for the copytrader control-plane API.
//
//	copyctl [-api http://localhost:8080] status|health|accounts|positions
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func main() {
	apiURL := flag.String("api", envOr("COPYTRADER_API", "http://localhost:8080"), "control-plane base URL")
	flag.Parse()

	cmd := flag.Arg(0)
	if cmd == "" {
		cmd = "status"
	}

	client := &http.Client{Timeout: 10 * time.Second}

	var err error
	switch cmd {
	case "status":
		err = showStatus(client, *apiURL)
	case "health":
		err = showHealth(client, *apiURL)
	case "accounts":
		err = showAccounts(client, *apiURL)
	case "positions":
		err = showPositions(client, *apiURL)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\nusage: copyctl [-api URL] status|health|accounts|positions\n", cmd)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("error:"), err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getJSON(client *http.Client, url string, out interface{}) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

func connMark(connected bool) string {
	if connected {
		return green("connected")
	}
	return red("disconnected")
}

type accountState struct {
	Name           string  `json:"name"`
	Role           string  `json:"role"`
	Connected      bool    `json:"connected"`
	Balance        float64 `json:"balance"`
	Equity         float64 `json:"equity"`
	PositionsCount int     `json:"positions_count"`
	ErrorCount     int     `json:"error_count"`
	LastError      string  `json:"last_error"`
}

func showStatus(client *http.Client, apiURL string) error {
	var status struct {
		Running        bool                    `json:"running"`
		Master         accountState            `json:"master"`
		Slaves         map[string]accountState `json:"slaves"`
		ActiveMappings int                     `json:"active_mappings"`
	}
	if err := getJSON(client, apiURL+"/status", &status); err != nil {
		return err
	}

	running := red("stopped")
	if status.Running {
		running = green("running")
	}
	fmt.Printf("%s  engine %s, %d active mappings\n", bold("copytrader"), running, status.ActiveMappings)
	fmt.Printf("  master %-12s %s  balance %.2f  positions %d\n",
		status.Master.Name, connMark(status.Master.Connected), status.Master.Balance, status.Master.PositionsCount)

	names := make([]string, 0, len(status.Slaves))
	for name := range status.Slaves {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		slave := status.Slaves[name]
		line := fmt.Sprintf("  slave  %-12s %s  balance %.2f", name, connMark(slave.Connected), slave.Balance)
		if slave.LastError != "" {
			line += "  " + yellow(slave.LastError)
		}
		fmt.Println(line)
	}
	return nil
}

func showHealth(client *http.Client, apiURL string) error {
	var health struct {
		Status          string `json:"status"`
		Running         bool   `json:"running"`
		MasterConnected bool   `json:"master_connected"`
		SlavesConnected int    `json:"slaves_connected"`
		SlavesTotal     int    `json:"slaves_total"`
		ActiveMappings  int    `json:"active_mappings"`
	}
	if err := getJSON(client, apiURL+"/health", &health); err != nil {
		return err
	}

	mark := red(health.Status)
	if health.Status == "healthy" {
		mark = green(health.Status)
	} else if health.Status == "degraded" {
		mark = yellow(health.Status)
	}
	fmt.Printf("%s  master=%v slaves=%d/%d mappings=%d\n",
		mark, health.MasterConnected, health.SlavesConnected, health.SlavesTotal, health.ActiveMappings)
	return nil
}

func showAccounts(client *http.Client, apiURL string) error {
	var slaves []struct {
		Name         string   `json:"name"`
		Host         string   `json:"host"`
		Port         int      `json:"port"`
		Enabled      bool     `json:"enabled"`
		Connected    bool     `json:"connected"`
		LotMode      string   `json:"lot_mode"`
		LotValue     float64  `json:"lot_value"`
		InvertTrades bool     `json:"invert_trades"`
		Symbols      []string `json:"symbols_filter"`
	}
	if err := getJSON(client, apiURL+"/accounts/slaves", &slaves); err != nil {
		return err
	}

	for _, s := range slaves {
		enabled := green("enabled")
		if !s.Enabled {
			enabled = yellow("disabled")
		}
		fmt.Printf("%-12s %s %s  %s:%d  lots=%s(%.2f) invert=%v\n",
			bold(s.Name), enabled, connMark(s.Connected), s.Host, s.Port, s.LotMode, s.LotValue, s.InvertTrades)
	}
	return nil
}

func showPositions(client *http.Client, apiURL string) error {
	var positions struct {
		Total    int `json:"total"`
		Mappings map[string][]struct {
			SlaveName   string  `json:"slave_name"`
			SlaveTicket int64   `json:"slave_ticket"`
			Symbol      string  `json:"symbol"`
			SlaveVolume float64 `json:"slave_volume"`
			Status      string  `json:"status"`
		} `json:"mappings"`
	}
	if err := getJSON(client, apiURL+"/positions", &positions); err != nil {
		return err
	}

	fmt.Printf("%s %d slave positions across %d master tickets\n",
		bold("positions:"), positions.Total, len(positions.Mappings))

	tickets := make([]string, 0, len(positions.Mappings))
	for ticket := range positions.Mappings {
		tickets = append(tickets, ticket)
	}
	sort.Strings(tickets)

	for _, ticket := range tickets {
		fmt.Printf("  master %s\n", bold(ticket))
		for _, m := range positions.Mappings[ticket] {
			fmt.Printf("    %-12s #%d %s %.2f lots (%s)\n",
				m.SlaveName, m.SlaveTicket, m.Symbol, m.SlaveVolume, m.Status)
		}
	}
	return nil
}
