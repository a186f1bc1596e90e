package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
)

var version = "dev"

// loadEnvFile reads ~/.smartrouter/env and sets any key=value pairs not
// already present in the process environment, so the CLI works without shell
// profile configuration.
func loadEnvFile() {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	data, err := os.ReadFile(home + "/.smartrouter/env")
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if os.Getenv(strings.TrimSpace(k)) == "" {
			_ = os.Setenv(strings.TrimSpace(k), strings.TrimSpace(v))
		}
	}
}

func main() {
	loadEnvFile()
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "version", "--version", "-v":
		fmt.Printf("smartrouterctl %s\n", version)
	case "status":
		doStatus()
	case "channel", "channels":
		doChannels(args)
	case "model", "models":
		doModels(args)
	case "strategy":
		doStrategy(args)
	case "blacklist":
		doBlacklist(args)
	case "cache":
		doCache(args)
	case "discovery":
		doDiscovery(args)
	case "stats":
		doStats()
	case "logs":
		doLogs(args)
	case "audit":
		doAudit(args)
	case "apikey", "apikeys":
		doAPIKeys(args)
	case "vault":
		doVault(args)
	case "workflows":
		doWorkflows(args)
	case "tsdb":
		doTSDB(args)
	case "events":
		doEvents()
	case "model-test":
		doModelTest(args)
	case "help", "--help", "-h":
		usageTo(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	usageTo(os.Stderr)
}

func usageTo(w io.Writer) {
	_, _ = fmt.Fprintf(w, `smartrouterctl - CLI for the smartrouter admin API

Usage: smartrouterctl <command> [arguments]

Environment:
  SMARTROUTER_URL          Base URL (default: http://localhost:7601)
  SMARTROUTER_ADMIN_TOKEN  Bearer token for admin endpoints
  SMARTROUTER_API_KEY      Key for data-plane requests (model-test)

  ~/.smartrouter/env       Auto-sourced on startup; explicit environment
                           variables take precedence.

Commands:
  status                      Show server health and version
  channels list               List channels with live status
  channels enable <id>        Enable a channel
  channels disable <id>       Disable a channel
  models [--limit N]          List routable models
  strategy get                Show the default routing strategy
  strategy set <name>         Switch the default routing strategy
  blacklist list              Show active blacklist entries
  blacklist clear <channel>   Clear blacklist entries for a channel
  cache stats                 Show routing cache counters
  discovery status            Show per-key discovery status
  discovery refresh [id]      Trigger a discovery pass (one channel or all)
  stats                       Show windowed aggregates
  logs [--limit N]            Show request logs
  audit [--limit N]           Show the admin audit trail
  apikey list                 List gateway API keys
  apikey create <json>        Create a gateway API key
  apikey rotate <id>          Rotate a gateway API key
  apikey delete <id>          Delete a gateway API key
  vault unlock <password>     Unlock the credential vault
  vault lock                  Lock (and persist) the credential vault
  workflows [id]              List or describe Temporal workflows
  tsdb query <k=v ...>        Query the embedded TSDB
  tsdb metrics                List TSDB metric names
  tsdb prune                  Prune TSDB data past retention
  events                      Stream real-time SSE events
  model-test <model> [key]    Send a test completion through the router
  version                     Show version
  help                        Show this help

Examples:
  smartrouterctl status
  smartrouterctl strategy set cost_first
  smartrouterctl blacklist clear paid-openai
  smartrouterctl model-test tag:free,tools
  smartrouterctl tsdb query metric=latency_ms channel=paid-openai
`)
}

// --- HTTP helpers ---

func baseURL() string {
	if u := os.Getenv("SMARTROUTER_URL"); u != "" {
		return strings.TrimRight(u, "/")
	}
	return "http://localhost:7601"
}

func adminToken() string {
	return os.Getenv("SMARTROUTER_ADMIN_TOKEN")
}

func doRequest(method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, baseURL()+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := adminToken(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return http.DefaultClient.Do(req)
}

func doGet(path string) map[string]any {
	resp, err := doRequest("GET", path, nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func doPost(path, bodyJSON string) map[string]any {
	resp, err := doRequest("POST", path, strings.NewReader(bodyJSON))
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func doDelete(path string) map[string]any {
	resp, err := doRequest("DELETE", path, nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func readJSON(resp *http.Response) map[string]any {
	data, err := io.ReadAll(resp.Body)
	fatal(err)
	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "HTTP %d: %s\n", resp.StatusCode, string(data))
		os.Exit(1)
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		var arr []any
		if err2 := json.Unmarshal(data, &arr); err2 == nil {
			return map[string]any{"items": arr}
		}
		fmt.Println(string(data))
		os.Exit(0)
	}
	return result
}

func prettyJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

func fatal(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func requireArgs(args []string, min int, usage string) {
	if len(args) < min {
		fmt.Fprintf(os.Stderr, "usage: smartrouterctl %s\n", usage)
		os.Exit(1)
	}
}

func parseLimit(args []string) int {
	for i, a := range args {
		if a == "--limit" && i+1 < len(args) {
			n, _ := strconv.Atoi(args[i+1])
			if n > 0 {
				return n
			}
		}
	}
	return 50
}

// --- Commands ---

func doStatus() {
	h := doGet("/health")
	fmt.Printf("Server:   %s\n", baseURL())
	fmt.Printf("Status:   %v\n", h["status"])
	fmt.Printf("Version:  %v\n", h["version"])
}

func doChannels(args []string) {
	if len(args) == 0 || args[0] == "list" {
		data := doGet("/admin/channels")
		channels, _ := data["channels"].([]any)
		if len(channels) == 0 {
			fmt.Println("No channels configured.")
			return
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "ID\tNAME\tPROVIDER\tENABLED\tMODELS\tBLOCKED\tHEALTHY\tTAGS")
		for _, c := range channels {
			m, _ := c.(map[string]any)
			tags := ""
			if ts, ok := m["tags"].([]any); ok {
				parts := make([]string, 0, len(ts))
				for _, t := range ts {
					parts = append(parts, fmt.Sprintf("%v", t))
				}
				tags = strings.Join(parts, ",")
			}
			_, _ = fmt.Fprintf(tw, "%v\t%v\t%v\t%s\t%s\t%s\t%s\t%s\n",
				m["id"], m["name"], m["provider"],
				yesNo(m["enabled"]), fmtNum(m["model_count"]),
				yesNo(m["blocked"]), yesNo(m["healthy"]), tags)
		}
		_ = tw.Flush()
		return
	}

	switch args[0] {
	case "enable", "disable":
		requireArgs(args, 2, "channels "+args[0]+" <id>")
		result := doPost("/admin/channels/"+args[1]+"/"+args[0], "{}")
		fmt.Printf("Channel %s: enabled=%v\n", args[1], result["enabled"])
	default:
		fmt.Fprintf(os.Stderr, "unknown channels command: %s\n", args[0])
		os.Exit(1)
	}
}

func doModels(args []string) {
	limit := parseLimit(args)
	data := doGet(fmt.Sprintf("/v1/models?limit=%d", limit))
	models, _ := data["data"].([]any)
	if len(models) == 0 {
		fmt.Println("No models available.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "MODEL\tPROVIDER\tCONTEXT\tIN $/1K\tOUT $/1K\tTAGS")
	for _, m := range models {
		mm, _ := m.(map[string]any)
		tags := ""
		if ts, ok := mm["tags"].([]any); ok {
			parts := make([]string, 0, len(ts))
			for _, t := range ts {
				parts = append(parts, fmt.Sprintf("%v", t))
			}
			tags = strings.Join(parts, ",")
		}
		_, _ = fmt.Fprintf(tw, "%v\t%v\t%s\t%s\t%s\t%s\n",
			mm["id"], mm["owned_by"], fmtNum(mm["context_length"]),
			fmtCost(mm["input_per_1k"]), fmtCost(mm["output_per_1k"]), tags)
	}
	_ = tw.Flush()
}

func doStrategy(args []string) {
	if len(args) == 0 || args[0] == "get" {
		data := doGet("/admin/routing/strategy")
		fmt.Printf("Default strategy: %v\n", data["default_strategy"])
		if names, ok := data["strategies"].([]any); ok {
			parts := make([]string, 0, len(names))
			for _, n := range names {
				parts = append(parts, fmt.Sprintf("%v", n))
			}
			fmt.Printf("Available:        %s\n", strings.Join(parts, ", "))
		}
		return
	}
	switch args[0] {
	case "set":
		requireArgs(args, 2, "strategy set <name>")
		result := doPost("/admin/routing/strategy", `{"strategy":`+jsonStr(args[1])+`}`)
		fmt.Printf("Default strategy set to %v\n", result["default_strategy"])
	default:
		fmt.Fprintf(os.Stderr, "unknown strategy command: %s\n", args[0])
		os.Exit(1)
	}
}

func doBlacklist(args []string) {
	if len(args) == 0 || args[0] == "list" {
		data := doGet("/admin/blacklist")
		entries, _ := data["entries"].([]any)
		if len(entries) == 0 {
			fmt.Println("Blacklist is empty.")
			return
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "CHANNEL\tMODEL\tKIND\tFAILURES\tUNTIL\tLAST ERROR")
		for _, e := range entries {
			m, _ := e.(map[string]any)
			until := fmtTime(m["blacklisted_until"])
			if m["indefinite"] == true {
				until = "indefinite"
			}
			lastErr, _ := m["last_error"].(string)
			if len(lastErr) > 60 {
				lastErr = lastErr[:57] + "..."
			}
			_, _ = fmt.Fprintf(tw, "%v\t%v\t%v\t%s\t%s\t%s\n",
				m["channel_id"], m["model_id"], m["kind"],
				fmtNum(m["failure_count"]), until, lastErr)
		}
		_ = tw.Flush()
		return
	}
	switch args[0] {
	case "clear":
		requireArgs(args, 2, "blacklist clear <channel-id>")
		result := doPost("/admin/blacklist/clear/"+args[1], "{}")
		fmt.Printf("Cleared %s entries for %s (%s cached routes invalidated)\n",
			fmtNum(result["cleared"]), args[1], fmtNum(result["cache_invalidations"]))
	default:
		fmt.Fprintf(os.Stderr, "unknown blacklist command: %s\n", args[0])
		os.Exit(1)
	}
}

func doCache(args []string) {
	if len(args) == 0 || args[0] == "stats" {
		fmt.Println(prettyJSON(doGet("/admin/cache/stats")))
		return
	}
	fmt.Fprintf(os.Stderr, "usage: smartrouterctl cache stats\n")
	os.Exit(1)
}

func doDiscovery(args []string) {
	if len(args) == 0 || args[0] == "status" {
		data := doGet("/admin/discovery/status")
		statuses, _ := data["statuses"].([]any)
		if len(statuses) == 0 {
			fmt.Println("No discovery data.")
			return
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "CHANNEL\tPROVIDER\tMODELS\tSTATUS\tUPDATED\tERROR")
		for _, s := range statuses {
			m, _ := s.(map[string]any)
			errMsg, _ := m["error"].(string)
			if len(errMsg) > 50 {
				errMsg = errMsg[:47] + "..."
			}
			_, _ = fmt.Fprintf(tw, "%v\t%v\t%s\t%v\t%s\t%s\n",
				m["channel_id"], m["provider"], fmtNum(m["model_count"]),
				m["status"], fmtTime(m["last_updated"]), errMsg)
		}
		_ = tw.Flush()
		return
	}
	switch args[0] {
	case "refresh":
		path := "/admin/discovery/refresh"
		if len(args) > 1 {
			path += "?channel_id=" + args[1]
		}
		result := doPost(path, "{}")
		fmt.Printf("Discovery: %v\n", result["status"])
	default:
		fmt.Fprintf(os.Stderr, "unknown discovery command: %s\n", args[0])
		os.Exit(1)
	}
}

func doStats() {
	fmt.Println(prettyJSON(doGet("/admin/stats")))
}

func doLogs(args []string) {
	limit := parseLimit(args)
	data := doGet(fmt.Sprintf("/admin/logs?limit=%d", limit))
	logs, _ := data["logs"].([]any)
	if len(logs) == 0 {
		fmt.Println("No request logs.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tMODEL\tCHANNEL\tSTRATEGY\tATTEMPTS\tLATENCY\tCOST\tSTATUS")
	for _, l := range logs {
		m, _ := l.(map[string]any)
		_, _ = fmt.Fprintf(tw, "%s\t%v\t%v\t%v\t%s\t%s\t%s\t%s\n",
			fmtTime(m["timestamp"]), m["served_model"], m["channel_id"], m["strategy"],
			fmtNum(m["attempts"]), fmtDuration(m["latency_ms"]),
			fmtCost(m["cost_usd"]), fmtNum(m["status_code"]))
	}
	_ = tw.Flush()
}

func doAudit(args []string) {
	limit := parseLimit(args)
	data := doGet(fmt.Sprintf("/admin/audit?limit=%d", limit))
	entries, _ := data["entries"].([]any)
	if len(entries) == 0 {
		fmt.Println("No audit entries.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tACTION\tRESOURCE\tDETAIL")
	for _, e := range entries {
		m, _ := e.(map[string]any)
		_, _ = fmt.Fprintf(tw, "%s\t%v\t%v\t%v\n",
			fmtTime(m["timestamp"]), m["action"], m["resource"], m["detail"])
	}
	_ = tw.Flush()
}

func doAPIKeys(args []string) {
	if len(args) == 0 || args[0] == "list" {
		data := doGet("/admin/v1/apikeys")
		keys, _ := data["keys"].([]any)
		if len(keys) == 0 {
			fmt.Println("No API keys.")
			return
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "ID\tNAME\tPREFIX\tSCOPES\tBUDGET\tENABLED\tCREATED\tLAST USED")
		for _, k := range keys {
			m, _ := k.(map[string]any)
			_, _ = fmt.Fprintf(tw, "%v\t%v\t%v\t%v\t%s\t%s\t%s\t%s\n",
				m["id"], m["name"], m["key_prefix"], m["scopes"],
				fmtCost(m["monthly_budget_usd"]), yesNo(m["enabled"]),
				fmtTime(m["created_at"]), fmtTime(m["last_used_at"]))
		}
		_ = tw.Flush()
		return
	}

	switch args[0] {
	case "create":
		requireArgs(args, 2, "apikey create <json>")
		result := doPost("/admin/v1/apikeys", args[1])
		key, _ := result["key"].(string)
		fmt.Printf("API key created.\n  Key: %s\n", key)
		fmt.Println("\n  Save this key now - it will not be shown again.")
	case "rotate":
		requireArgs(args, 2, "apikey rotate <id>")
		result := doPost("/admin/v1/apikeys/"+args[1]+"/rotate", "{}")
		key, _ := result["key"].(string)
		fmt.Printf("API key rotated.\n  New key: %s\n", key)
		fmt.Println("\n  Save this key now - it will not be shown again.")
	case "delete":
		requireArgs(args, 2, "apikey delete <id>")
		doDelete("/admin/v1/apikeys/" + args[1])
		fmt.Println("API key deleted.")
	default:
		fmt.Fprintf(os.Stderr, "unknown apikey command: %s\n", args[0])
		os.Exit(1)
	}
}

func doVault(args []string) {
	requireArgs(args, 1, "vault <unlock|lock> [args]")
	switch args[0] {
	case "unlock":
		requireArgs(args, 2, "vault unlock <password>")
		result := doPost("/admin/v1/vault/unlock", `{"password":`+jsonStr(args[1])+`}`)
		fmt.Printf("Vault unlocked (%s channels).\n", fmtNum(result["channels"]))
	case "lock":
		doPost("/admin/v1/vault/lock", "{}")
		fmt.Println("Vault locked.")
	default:
		fmt.Fprintf(os.Stderr, "unknown vault command: %s\n", args[0])
		os.Exit(1)
	}
}

func doWorkflows(args []string) {
	if len(args) > 0 {
		fmt.Println(prettyJSON(doGet("/admin/v1/workflows/" + args[0])))
		return
	}
	data := doGet("/admin/v1/workflows")
	if data["temporal_enabled"] == false {
		fmt.Println("Temporal is not enabled.")
		return
	}
	workflows, _ := data["workflows"].([]any)
	if len(workflows) == 0 {
		fmt.Println("No workflow executions.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "WORKFLOW\tTYPE\tSTATUS\tSTARTED\tDURATION")
	for _, wf := range workflows {
		m, _ := wf.(map[string]any)
		dur := "-"
		if d, ok := m["duration_ms"].(float64); ok {
			dur = fmtDuration(d)
		}
		_, _ = fmt.Fprintf(tw, "%v\t%v\t%v\t%s\t%s\n",
			m["workflow_id"], m["type"], m["status"], fmtTime(m["start_time"]), dur)
	}
	_ = tw.Flush()
}

func doTSDB(args []string) {
	requireArgs(args, 1, "tsdb <query|metrics|prune> [args]")
	switch args[0] {
	case "metrics":
		fmt.Println(prettyJSON(doGet("/admin/v1/tsdb/metrics")))
	case "prune":
		fmt.Println(prettyJSON(doPost("/admin/v1/tsdb/prune", "{}")))
	case "query":
		qs := ""
		if len(args) > 1 {
			qs = "?" + strings.Join(args[1:], "&")
		}
		fmt.Println(prettyJSON(doGet("/admin/v1/tsdb/query" + qs)))
	default:
		fmt.Fprintf(os.Stderr, "unknown tsdb command: %s\n", args[0])
		os.Exit(1)
	}
}

func doEvents() {
	resp, err := doRequest("GET", "/admin/v1/events", nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()

	fmt.Println("Streaming events (Ctrl-C to stop)...")
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			for _, line := range strings.Split(string(buf[:n]), "\n") {
				line = strings.TrimSpace(line)
				if !strings.HasPrefix(line, "data:") {
					continue
				}
				payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				var evt map[string]any
				if json.Unmarshal([]byte(payload), &evt) != nil {
					continue
				}
				evtType, _ := evt["type"].(string)
				model, _ := evt["model_id"].(string)
				channel, _ := evt["channel_id"].(string)
				ts := time.Now().Format("15:04:05")
				if errMsg, _ := evt["error_msg"].(string); errMsg != "" {
					fmt.Printf("[%s] %s  model=%s channel=%s error=%s\n", ts, evtType, model, channel, errMsg)
				} else {
					fmt.Printf("[%s] %s  model=%s channel=%s latency=%s\n",
						ts, evtType, model, channel, fmtDuration(evt["latency_ms"]))
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				fmt.Println("Event stream closed.")
			}
			break
		}
	}
}

func doModelTest(args []string) {
	requireArgs(args, 1, "model-test <model> [api-key]")
	model := args[0]

	apiKey := ""
	if len(args) > 1 {
		apiKey = args[1]
	}
	if apiKey == "" {
		apiKey = os.Getenv("SMARTROUTER_API_KEY")
	}

	payload := fmt.Sprintf(`{"model":%s,"messages":[{"role":"user","content":"Say the word OK and nothing else."}],"max_tokens":5}`, jsonStr(model))
	req, err := http.NewRequest("POST", baseURL()+"/v1/chat/completions", strings.NewReader(payload))
	fatal(err)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	latency := time.Since(start)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	fmt.Printf("Model:      %s\n", model)
	fmt.Printf("Status:     %d\n", resp.StatusCode)
	fmt.Printf("Latency:    %v\n", latency.Round(time.Millisecond))
	if resp.StatusCode != http.StatusOK {
		fmt.Printf("Error:      %s\n", string(body))
		return
	}
	var out map[string]any
	if json.Unmarshal(body, &out) != nil {
		return
	}
	if choices, ok := out["choices"].([]any); ok && len(choices) > 0 {
		if ch, ok := choices[0].(map[string]any); ok {
			if msg, ok := ch["message"].(map[string]any); ok {
				content, _ := msg["content"].(string)
				fmt.Printf("Response:   %s\n", content)
			}
		}
	}
	if usage, ok := out["usage"].(map[string]any); ok {
		fmt.Printf("Tokens:     in=%v out=%v\n", usage["prompt_tokens"], usage["completion_tokens"])
	}
	if md, ok := out["smart_ai_router"].(map[string]any); ok {
		fmt.Printf("Routed to:  %v (%v) via %v, score=%v, attempts=%v\n",
			md["channel_name"], md["model_used"], md["provider"], md["score"], md["attempt_count"])
		if cost, ok := md["cost"].(map[string]any); ok {
			fmt.Printf("Cost:       %s (%v)\n", fmtCost(cost["request_usd"]), cost["price_source"])
		}
	}
}

// --- Formatting helpers ---

func yesNo(v any) string {
	if v == true {
		return "yes"
	}
	return "no"
}

func fmtNum(v any) string {
	if v == nil {
		return "-"
	}
	switch n := v.(type) {
	case float64:
		if n == float64(int(n)) {
			return strconv.Itoa(int(n))
		}
		return strconv.FormatFloat(n, 'f', 2, 64)
	case int:
		return strconv.Itoa(n)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func fmtCost(v any) string {
	if v == nil {
		return "-"
	}
	if f, ok := v.(float64); ok {
		if f == 0 {
			return "free"
		}
		return fmt.Sprintf("$%.4f", f)
	}
	return fmt.Sprintf("%v", v)
}

func fmtDuration(v any) string {
	if v == nil {
		return "-"
	}
	if f, ok := v.(float64); ok {
		if f < 1000 {
			return fmt.Sprintf("%.0fms", f)
		}
		return fmt.Sprintf("%.1fs", f/1000)
	}
	return fmt.Sprintf("%v", v)
}

func fmtTime(v any) string {
	if v == nil {
		return "-"
	}
	if s, ok := v.(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.Local().Format("2006-01-02 15:04:05")
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.Local().Format("2006-01-02 15:04:05")
		}
		return s
	}
	return fmt.Sprintf("%v", v)
}

func jsonStr(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func init() {
	http.DefaultTransport.(*http.Transport).DisableKeepAlives = true
	http.DefaultClient.Timeout = 30 * time.Second
}
