// ABOUTME: Operator subcommands that drive a running server over its HTTP API
// ABOUTME: Implements agents, dispatch, history, health and token

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/2389/coven-dispatch/internal/auth"
	"github.com/2389/coven-dispatch/internal/dispatch"
	"github.com/2389/coven-dispatch/internal/gateway"
)

func runAgents(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("agents", flag.ExitOnError)
	newClient := clientFlags(fset)
	if err := fset.Parse(args); err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}

	var agents []gateway.AgentResponse
	if err := c.do(ctx, http.MethodGet, "/api/agents", nil, &agents); err != nil {
		return err
	}
	if len(agents) == 0 {
		color.Yellow("no agents connected")
		return nil
	}

	fmt.Printf("%-36s  %-21s  %-16s  %-8s  %-14s  %s\n", "ID", "ADDR", "HOST", "OS", "LAST SEEN", "STATE")
	for _, a := range agents {
		fmt.Printf("%-36s  %-21s  %-16s  %-8s  %-14s  %s\n",
			a.ID, a.Addr, a.Hostname, a.OS, humanize.Time(a.LastActivity), stateColor(a.State))
	}
	return nil
}

func stateColor(state string) string {
	switch state {
	case "ready":
		return color.GreenString(state)
	case "busy":
		return color.YellowString(state)
	case "disconnected":
		return color.RedString(state)
	default:
		return color.HiBlackString(state)
	}
}

func runDispatch(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("dispatch", flag.ExitOnError)
	newClient := clientFlags(fset)
	to := fset.String("to", "", "comma-separated agent ids")
	all := fset.Bool("all", false, "target every connected agent")
	timeout := fset.Duration("timeout", 0, "command deadline (default dispatch.default_timeout)")
	outDir := fset.String("out", ".", "where download and screenshot payloads returned inline are written")
	if err := fset.Parse(args); err != nil {
		return err
	}
	rest := fset.Args()
	if len(rest) == 0 {
		return errors.New("dispatch needs a verb")
	}

	verb, err := dispatch.ParseVerb(rest[0])
	if err != nil {
		return err
	}
	req := gateway.DispatchRequest{Verb: string(verb), Args: rest[1:]}
	switch {
	case *all:
		req.Targets.All = true
	case *to != "":
		for id := range strings.SplitSeq(*to, ",") {
			if id = strings.TrimSpace(id); id != "" {
				req.Targets.IDs = append(req.Targets.IDs, id)
			}
		}
	default:
		return errors.New("choose targets with -to ID,ID or -all")
	}
	if *timeout > 0 {
		req.Timeout = timeout.String()
	}
	if verb == dispatch.VerbUpload && len(req.Args) == 2 {
		req.Attachment, err = os.ReadFile(req.Args[0])
		if err != nil {
			return fmt.Errorf("reading upload source: %w", err)
		}
	}

	c, err := newClient()
	if err != nil {
		return err
	}
	// The server holds the request open until the deadline; don't cut it short.
	c.http = &http.Client{}

	var res gateway.DispatchResponse
	if err := c.do(ctx, http.MethodPost, "/api/dispatch", req, &res); err != nil {
		return err
	}
	return printResult(&res, *outDir)
}

func printResult(res *gateway.DispatchResponse, outDir string) error {
	gray := color.New(color.FgHiBlack)
	gray.Printf("command %s (%s) %s\n", res.CommandID, res.Verb, res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))

	ids := make([]string, 0, len(res.Outcomes))
	for id := range res.Outcomes {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		o := res.Outcomes[id]
		switch o.Status {
		case string(dispatch.StatusSuccess):
			color.New(color.FgGreen).Printf("✓ %s", id)
		case string(dispatch.StatusTimeout):
			color.New(color.FgYellow).Printf("⧗ %s", id)
		default:
			color.New(color.FgRed).Printf("✗ %s", id)
		}
		if o.Reason != "" {
			fmt.Printf("  %s", o.Reason)
		}
		fmt.Println()

		if o.Status != string(dispatch.StatusSuccess) {
			continue
		}
		switch res.Verb {
		case string(dispatch.VerbShell):
			for _, line := range summarizeOutput(string(o.Payload)) {
				fmt.Printf("    %s\n", line)
			}
		case string(dispatch.VerbDownload), string(dispatch.VerbScreenshot):
			loc := o.Location
			if loc == "" && len(o.Payload) > 0 {
				loc = filepath.Join(outDir, res.Verb+"_"+id)
				if err := os.WriteFile(loc, o.Payload, 0o644); err != nil {
					return fmt.Errorf("saving payload from %s: %w", id, err)
				}
			}
			fmt.Printf("    %s  %s\n", humanize.Bytes(uint64(o.Bytes)), loc)
		case string(dispatch.VerbUpload):
			fmt.Printf("    %s  -> %s\n", humanize.Bytes(uint64(o.Bytes)), o.Location)
		}
	}

	if res.Verb == string(dispatch.VerbShell) {
		for _, id := range ids {
			if loc := res.Outcomes[id].Location; loc != "" {
				color.Green("Output saved to %s", loc)
				break
			}
		}
	}

	fmt.Printf("%s succeeded, %s failed, %s timed out\n",
		color.GreenString(strconv.Itoa(res.Succeeded)),
		color.RedString(strconv.Itoa(res.Failed)),
		color.YellowString(strconv.Itoa(res.TimedOut)),
	)
	return nil
}

// Shell output summaries show at most this many lines of this many characters.
const (
	summaryLines = 3
	summaryWidth = 80
)

// summarizeOutput shortens shell output for the result table. Long lines are
// cut at summaryWidth; output longer than summaryLines keeps only its first
// line and a count of what was left out.
func summarizeOutput(out string) []string {
	out = strings.TrimRight(out, "\n")
	if out == "" {
		return nil
	}
	lines := strings.Split(out, "\n")
	for i, line := range lines {
		if r := []rune(line); len(r) > summaryWidth {
			lines[i] = string(r[:summaryWidth]) + " ..."
		}
	}
	if len(lines) > summaryLines {
		return []string{fmt.Sprintf("%s (missing %d lines)", lines[0], len(lines)-1)}
	}
	return lines
}

func runHistory(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("history", flag.ExitOnError)
	newClient := clientFlags(fset)
	limit := fset.Int("limit", 20, "entries to show")
	verb := fset.String("verb", "", "only this verb")
	agentID := fset.String("agent", "", "only dispatches that targeted this agent")
	if err := fset.Parse(args); err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}

	q := url.Values{}
	q.Set("limit", strconv.Itoa(*limit))
	if *verb != "" {
		q.Set("verb", *verb)
	}
	if *agentID != "" {
		q.Set("agent", *agentID)
	}

	var recs []gateway.DispatchRecordResponse
	if err := c.do(ctx, http.MethodGet, "/api/dispatches?"+q.Encode(), nil, &recs); err != nil {
		return err
	}
	for _, r := range recs {
		var ok, failed, timedOut int
		for _, o := range r.Outcomes {
			switch o.Status {
			case string(dispatch.StatusSuccess):
				ok++
			case string(dispatch.StatusTimeout):
				timedOut++
			default:
				failed++
			}
		}
		fmt.Printf("%s  %s  %-10s %-30s %s/%s/%s  %s\n",
			color.HiBlackString(r.StartedAt.Local().Format("2006-01-02 15:04:05")),
			shortID(r.ID),
			r.Verb,
			strings.Join(r.Args, " "),
			color.GreenString(strconv.Itoa(ok)),
			color.RedString(strconv.Itoa(failed)),
			color.YellowString(strconv.Itoa(timedOut)),
			r.Selector,
		)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func runHealth(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("health", flag.ExitOnError)
	newClient := clientFlags(fset)
	ready := fset.Bool("ready", false, "require at least one connected agent")
	if err := fset.Parse(args); err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}

	path := "/health"
	if *ready {
		path = "/health/ready"
	}
	status, body, err := c.getText(ctx, path)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", status, body)
	}

	fmt.Println("healthy:", body)
	return nil
}

func runToken(args []string) error {
	fset := flag.NewFlagSet("token", flag.ExitOnError)
	configPath := fset.String("config", "", "config file")
	operator := fset.String("operator", "", "operator name recorded in the token")
	ttl := fset.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fset.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*operator) == "" {
		return errors.New("-operator is required")
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured; the API accepts requests without a token")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return err
	}
	token, err := verifier.Generate(strings.TrimSpace(*operator), *ttl)
	if err != nil {
		return fmt.Errorf("signing token: %w", err)
	}

	fmt.Println(token)
	color.New(color.FgHiBlack).Fprintf(os.Stderr, "expires %s; export %s=<token>\n",
		humanize.Time(time.Now().Add(*ttl)), EnvToken)
	return nil
}
