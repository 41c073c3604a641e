package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"rateswap/cmd/internal/passphrase"
)

const secretEnv = "RATESWAP_HMAC_SECRET"

type client struct {
	endpoint string
	token    string
	as       string
	scopes   string
	http     *http.Client
	out      io.Writer
	secret   *passphrase.Source
}

func newClient() *client {
	endpoint := strings.TrimSpace(os.Getenv("RATESWAP_API"))
	if endpoint == "" {
		endpoint = "http://localhost:7090"
	}
	return &client{
		endpoint: endpoint,
		token:    strings.TrimSpace(os.Getenv("RATESWAP_TOKEN")),
		http:     &http.Client{Timeout: 15 * time.Second},
		out:      os.Stdout,
		secret:   passphrase.NewSource(secretEnv, "API signing secret"),
	}
}

func main() {
	c := newClient()
	args, err := c.applyGlobalFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if len(args) < 1 {
		printUsage(os.Stdout)
		return
	}
	if err := c.run(args); err != nil {
		fmt.Fprintf(os.Stderr, "ratectl: %v\n", err)
		os.Exit(1)
	}
}

func (c *client) applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		var target *string
		switch {
		case arg == "--api" || strings.HasPrefix(arg, "--api="):
			target = &c.endpoint
		case arg == "--token" || strings.HasPrefix(arg, "--token="):
			target = &c.token
		case arg == "--as" || strings.HasPrefix(arg, "--as="):
			target = &c.as
		case arg == "--scopes" || strings.HasPrefix(arg, "--scopes="):
			target = &c.scopes
		default:
			out = append(out, arg)
			continue
		}
		if name, value, ok := strings.Cut(arg, "="); ok {
			if value == "" {
				return nil, fmt.Errorf("missing value for %s", name)
			}
			*target = value
			continue
		}
		if i+1 >= len(args) {
			return nil, fmt.Errorf("missing value for %s", arg)
		}
		*target = args[i+1]
		i++
	}
	return out, nil
}

func (c *client) run(args []string) error {
	command, rest := args[0], args[1:]
	switch command {
	case "token":
		if len(rest) < 2 {
			return usageError("token <address> <scope,scope> [ttl]")
		}
		ttl := time.Hour
		if len(rest) > 2 {
			parsed, err := time.ParseDuration(rest[2])
			if err != nil {
				return fmt.Errorf("invalid ttl: %w", err)
			}
			ttl = parsed
		}
		secret, err := c.secret.Get()
		if err != nil {
			return err
		}
		token, err := mintToken(secret, rest[0], strings.Split(rest[1], ","), ttl, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintln(c.out, token)
		return nil
	case "rate":
		return c.get("/v1/rate", nil)
	case "twap":
		query := url.Values{}
		if len(rest) > 0 {
			query.Set("window", rest[0])
		}
		return c.get("/v1/rate/twap", query)
	case "ledger":
		return c.get("/v1/ledger", nil)
	case "keeper":
		return c.get("/v1/keeper", nil)
	case "positions":
		query := url.Values{}
		if len(rest) > 0 {
			if strings.HasPrefix(rest[0], "0x") {
				query.Set("owner", rest[0])
			} else {
				query.Set("filter", rest[0])
			}
		}
		return c.get("/v1/positions", query)
	case "position":
		id, err := positionArg(rest)
		if err != nil {
			return err
		}
		return c.get("/v1/positions/"+id, nil)
	case "events":
		query := url.Values{}
		if len(rest) > 0 {
			query.Set("cursor", rest[0])
		}
		return c.get("/v1/events", query)
	case "open":
		if len(rest) != 5 {
			return usageError("open <pay_fixed|pay_floating> <notional> <fixed_rate> <maturity_days> <margin>")
		}
		days, err := strconv.ParseUint(rest[3], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid maturity days: %w", err)
		}
		return c.post("/v1/positions", "trade", map[string]any{
			"direction":    rest[0],
			"notional":     rest[1],
			"fixedRate":    rest[2],
			"maturityDays": days,
			"margin":       rest[4],
		})
	case "margin":
		if len(rest) != 3 {
			return usageError("margin <id> <add|remove> <amount>")
		}
		return c.post("/v1/positions/"+rest[0]+"/margin", "trade", map[string]any{"action": rest[1], "amount": rest[2]})
	case "close":
		id, err := positionArg(rest)
		if err != nil {
			return err
		}
		return c.post("/v1/positions/"+id+"/close", "trade", nil)
	case "settle":
		id, err := positionArg(rest)
		if err != nil {
			return err
		}
		return c.post("/v1/positions/"+id+"/settle", "keeper", nil)
	case "liquidate":
		id, err := positionArg(rest)
		if err != nil {
			return err
		}
		var body any
		if len(rest) > 1 {
			body = map[string]any{"amount": rest[1]}
		}
		return c.post("/v1/positions/"+id+"/liquidate", "keeper", body)
	case "refresh":
		return c.post("/v1/rate/refresh", "admin", nil)
	case "reset-breaker":
		return c.post("/v1/rate/reset", "admin", nil)
	case "fund-reserve":
		if len(rest) != 1 {
			return usageError("fund-reserve <amount>")
		}
		return c.post("/v1/reserve", "admin", map[string]any{"amount": rest[0]})
	case "help", "-h", "--help":
		printUsage(c.out)
		return nil
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func positionArg(args []string) (string, error) {
	if len(args) < 1 {
		return "", usageError("<command> <position_id>")
	}
	if _, err := strconv.ParseUint(args[0], 10, 64); err != nil {
		return "", fmt.Errorf("invalid position id %q", args[0])
	}
	return args[0], nil
}

func usageError(usage string) error {
	return fmt.Errorf("usage: ratectl %s", usage)
}

func (c *client) get(path string, query url.Values) error {
	target := strings.TrimRight(c.endpoint, "/") + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	return c.do(req)
}

func (c *client) post(path, scope string, body any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(c.endpoint, "/")+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token, err := c.bearer(scope)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return c.do(req)
}

// bearer returns the configured token or, with --as, mints a short lived one
// for the required scope.
func (c *client) bearer(scope string) (string, error) {
	if c.token != "" {
		return c.token, nil
	}
	if c.as == "" {
		return "", fmt.Errorf("set RATESWAP_TOKEN, --token or --as <address>")
	}
	scopes := []string{scope}
	if c.scopes != "" {
		scopes = strings.Split(c.scopes, ",")
	}
	secret, err := c.secret.Get()
	if err != nil {
		return "", err
	}
	return mintToken(secret, c.as, scopes, 5*time.Minute, time.Now())
}

func (c *client) do(req *http.Request) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", req.URL.Redacted(), err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		raw = pretty.Bytes()
	}
	fmt.Fprintln(c.out, strings.TrimSpace(string(raw)))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s", req.Method, req.URL.Path, resp.Status)
	}
	return nil
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: ratectl [--api URL] [--token JWT | --as ADDRESS [--scopes a,b]] <command> [arguments]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Write commands need a bearer token. With --as the token is signed locally using")
	fmt.Fprintln(w, secretEnv+" or a secret typed at the prompt.")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  token <address> <scopes> [ttl]      - Mint an API token (scopes: trade,keeper,admin)")
	fmt.Fprintln(w, "  rate | twap [window]                - Show the committed floating rate or its TWAP")
	fmt.Fprintln(w, "  ledger | keeper                     - Show ledger totals or the last keeper report")
	fmt.Fprintln(w, "  positions [owner|filter]            - List positions (filters: active, due, liquidatable, matured)")
	fmt.Fprintln(w, "  position <id>                       - Show a position with health and pending settlement")
	fmt.Fprintln(w, "  events [cursor]                     - Page the event journal")
	fmt.Fprintln(w, "  open <dir> <notional> <rate> <days> <margin> - Open a swap")
	fmt.Fprintln(w, "  margin <id> <add|remove> <amount>   - Adjust posted margin")
	fmt.Fprintln(w, "  close <id>                          - Close a matured position")
	fmt.Fprintln(w, "  settle <id> | liquidate <id> [amt]  - Keeper operations")
	fmt.Fprintln(w, "  refresh | reset-breaker             - Oracle administration")
	fmt.Fprintln(w, "  fund-reserve <amount>               - Move collateral into the custody reserve")
}
