// ABOUTME: Minimal fake agent for E2E testing; connects over TCP and answers commands.
// ABOUTME: Usage: fake-agent [-addr localhost:9999] [-hostname NAME] [-exec] [-screenshot FILE]
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/2389/coven-dispatch/internal/fakeagent"
)

func main() {
	addr := flag.String("addr", "localhost:9999", "server agent address")
	hostname := flag.String("hostname", "", "hostname reported in hello (default: os hostname)")
	heartbeat := flag.Duration("heartbeat", 0, "heartbeat interval, 0 disables")
	retry := flag.Duration("retry", fakeagent.DefaultRetryDelay, "delay between reconnect attempts")
	execShell := flag.Bool("exec", false, "run shell commands with sh -c instead of echoing them")
	screenshot := flag.String("screenshot", "", "file returned for screenshot commands")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg := fakeagent.Config{
		Hostname:  *hostname,
		Version:   "fake-agent",
		Heartbeat: *heartbeat,
		Logger:    logger,
	}
	if *execShell {
		cfg.Shell = func(line string) ([]byte, error) {
			return exec.Command("sh", "-c", line).CombinedOutput()
		}
	}
	if *screenshot != "" {
		data, err := os.ReadFile(*screenshot)
		if err != nil {
			log.Fatalf("reading screenshot: %v", err)
		}
		cfg.Screenshot = data
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := fakeagent.New(cfg).Run(ctx, *addr, *retry); err != nil {
		log.Fatal(err)
	}
}
