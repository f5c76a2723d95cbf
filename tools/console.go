package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
)

var ServerURL = "http://localhost:8080"
var AdminKey = ""

func main() {
	if url := os.Getenv("GUILDBYTES_SERVER"); url != "" {
		ServerURL = url
	}
	AdminKey = os.Getenv("GUILDBYTES_ADMIN_KEY")
	if AdminKey == "" {
		fmt.Println("GUILDBYTES_ADMIN_KEY is required")
		os.Exit(1)
	}

	reader := bufio.NewReader(os.Stdin)
	fmt.Println("GuildBytes Admin Console v1.2")
	fmt.Printf("Target Server: %s\n", ServerURL)

	doHealth()
	fmt.Println("Commands: health, config, balance, board, adjust, reconcile, snapshot, campaign, help, quit")

	for {
		fmt.Print("admin> ")
		text, _ := reader.ReadString('\n')
		parts := strings.Fields(strings.TrimSpace(text))
		if len(parts) == 0 {
			continue
		}

		switch parts[0] {
		case "health":
			doHealth()
		case "config":
			if len(parts) < 2 {
				fmt.Println("Usage: config <guild_id>")
				continue
			}
			doGet("/api/v1/guilds/" + parts[1] + "/bytes/config")
		case "balance":
			if len(parts) < 3 {
				fmt.Println("Usage: balance <guild_id> <user_id>")
				continue
			}
			doGet("/api/v1/guilds/" + parts[1] + "/bytes/balance/" + parts[2])
		case "board":
			if len(parts) < 2 {
				fmt.Println("Usage: board <guild_id>")
				continue
			}
			doGet("/api/v1/guilds/" + parts[1] + "/bytes/leaderboard?limit=10")
		case "adjust":
			if len(parts) < 5 {
				fmt.Println("Usage: adjust <guild_id> <user_id> <amount> <reason...>")
				continue
			}
			amount, err := strconv.ParseInt(parts[3], 10, 64)
			if err != nil {
				fmt.Println("amount must be an integer (negative debits)")
				continue
			}
			doAdjust(parts[1], parts[2], amount, strings.Join(parts[4:], " "))
		case "reconcile":
			if len(parts) < 2 {
				fmt.Println("Usage: reconcile <guild_id>")
				continue
			}
			doGet("/api/v1/guilds/" + parts[1] + "/bytes/reconcile")
		case "snapshot":
			if len(parts) < 2 {
				fmt.Println("Usage: snapshot <guild_id>")
				continue
			}
			doPost("/api/v1/guilds/"+parts[1]+"/snapshot", map[string]interface{}{})
		case "campaign":
			if len(parts) < 3 || (parts[2] != "on" && parts[2] != "off") {
				fmt.Println("Usage: campaign <guild_id> on|off")
				continue
			}
			doCampaign(parts[1], parts[2] == "on")
		case "help":
			fmt.Println("Available Commands:")
			fmt.Println("  health                               - Server and database status")
			fmt.Println("  config <gid>                         - Show guild economy config")
			fmt.Println("  balance <gid> <uid>                  - Show a user's bytes balance")
			fmt.Println("  board <gid>                          - Top 10 leaderboard")
			fmt.Println("  adjust <gid> <uid> <amt> <reason>    - SYSTEM credit/debit")
			fmt.Println("  reconcile <gid>                      - Audit balances against the ledger")
			fmt.Println("  snapshot <gid>                       - Take a compressed economy snapshot")
			fmt.Println("  campaign <gid> on|off                - Toggle squad-switch lockout")
			fmt.Println("  quit                                 - Disconnect")
		case "quit", "exit":
			fmt.Println("Disconnecting...")
			return
		default:
			fmt.Println("Unknown command. Type 'help' for options.")
		}
	}
}

func request(method, path string, payload interface{}) {
	var body io.Reader
	if payload != nil {
		data, _ := json.Marshal(payload)
		body = bytes.NewBuffer(data)
	}
	req, err := http.NewRequest(method, ServerURL+path, body)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	req.Header.Set("Authorization", "Bearer "+AdminKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Printf("Connection Error: %v\n", err)
		return
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		fmt.Printf("[%d]\n%s\n", resp.StatusCode, pretty.String())
	} else {
		fmt.Printf("[%d] %s\n", resp.StatusCode, string(raw))
	}
}

func doGet(path string) {
	request("GET", path, nil)
}

func doPost(path string, payload interface{}) {
	request("POST", path, payload)
}

func doHealth() {
	doGet("/api/v1/auth/health")
}

func doAdjust(gid, uid string, amount int64, reason string) {
	doPost("/api/v1/guilds/"+gid+"/bytes/adjust", map[string]interface{}{
		"user_id":  uid,
		"username": "",
		"amount":   amount,
		"reason":   reason,
	})
}

func doCampaign(gid string, on bool) {
	data, _ := json.Marshal(map[string]interface{}{"active_campaign": on})
	req, _ := http.NewRequest("PUT", ServerURL+"/api/v1/guilds/"+gid+"/bytes/config", bytes.NewBuffer(data))
	req.Header.Set("Authorization", "Bearer "+AdminKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	fmt.Printf("[%d] %s\n", resp.StatusCode, string(body))
}
