package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/karyakarta/agentrelay/internal/client"
	"github.com/karyakarta/agentrelay/internal/config"
	"github.com/karyakarta/agentrelay/internal/event"
	"github.com/karyakarta/agentrelay/internal/history"
	"github.com/karyakarta/agentrelay/internal/transcript"
)

// ANSI color codes for terminal output
const (
	colorCyan   = "\033[36m" // Cyan color for agent responses
	colorYellow = "\033[33m" // Yellow for thinking lines
	colorRed    = "\033[31m" // Red for errors
	colorReset  = "\033[0m"  // Reset to default color
)

const responseTimeout = 5 * time.Minute

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nShutting down chat...")
		cancel()
	}()

	cfg := config.Load()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	session := client.NewSession(cfg.RelayURL(), logger)
	if err := session.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to relay at %s: %v\n", cfg.RelayURL(), err)
		os.Exit(1)
	}
	defer session.Close()

	sessionID := event.NewSessionID("cli")

	// Best effort: register the conversation with the session service so
	// it shows up in history. The chat works without it.
	histClient := history.NewClient(cfg.SessionAPIURL, logger)
	if created, err := histClient.CreateSession(ctx, "cli", "CLI session "+time.Now().Format("2006-01-02 15:04")); err == nil {
		sessionID = created.ID
	}

	fmt.Println("Agent relay chat")
	fmt.Printf("Session: %s\n", sessionID)
	fmt.Println("Type a task and press Enter. 'stop' cancels, 'exit' quits.")
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())

		switch line {
		case "":
			continue
		case "exit", "quit":
			return
		case "stop":
			if err := session.Stop(ctx); err != nil {
				fmt.Printf("%sStop failed: %v%s\n", colorRed, err, colorReset)
			}
			continue
		}

		if _, err := session.Submit(ctx, line, sessionID); err != nil {
			fmt.Printf("%s%v%s\n", colorRed, err, colorReset)
			continue
		}
		waitForResponse(ctx, session)
	}
}

// waitForResponse polls until the in-flight request settles, echoing the
// agent's intermediate thoughts as they accumulate.
func waitForResponse(ctx context.Context, session *client.Session) {
	deadline := time.Now().Add(responseTimeout)
	seenThoughts := 0

	for session.Reconciler().Processing() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(200 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			fmt.Printf("%sTimed out waiting for a response.%s\n", colorRed, colorReset)
			return
		}
		for _, thought := range unseenThoughts(session.Reconciler().Thoughts(), seenThoughts) {
			fmt.Printf("%s  · %s%s\n", colorYellow, thought.Message, colorReset)
			seenThoughts++
		}
	}

	if last, ok := session.Store().Last(); ok && last.Role == transcript.RoleAgent {
		fmt.Printf("%s%s%s\n", colorCyan, last.Content, colorReset)
	}
}

// unseenThoughts returns the tail of the buffer snapshot past seen. The
// reconciler clears the buffer when a terminal event lands, so a snapshot
// taken mid-poll can be shorter than what was already echoed.
func unseenThoughts(thoughts []event.AgentEvent, seen int) []event.AgentEvent {
	if seen >= len(thoughts) {
		return nil
	}
	return thoughts[seen:]
}
