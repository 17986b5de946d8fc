package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/whisper/avatar-chat/internal/presenter"
	"github.com/whisper/avatar-chat/internal/protocol"
)

func main() {
	url := getEnv("BRIDGE_URL", "ws://localhost:8080/ws")
	channel := getEnv("CHANNEL_NAME", "")
	autoConnect := false

	for i := 1; i < len(os.Args); i++ {
		switch os.Args[i] {
		case "-u", "--url":
			if i+1 < len(os.Args) {
				url = os.Args[i+1]
				i++
			}
		case "-c", "--channel":
			if i+1 < len(os.Args) {
				channel = os.Args[i+1]
				i++
			}
		case "--connect":
			autoConnect = true
		case "-h", "--help":
			printUsage()
			return
		default:
			fmt.Fprintf(os.Stderr, "Unknown argument: %s\n", os.Args[i])
			printUsage()
			os.Exit(1)
		}
	}

	// The alt screen owns stdout; keep logs out of it.
	if f, err := tea.LogToFile(getEnv("TUI_LOG", "timeline-tui.log"), "tui"); err == nil {
		defer f.Close()
	} else {
		log.SetOutput(io.Discard)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	client, err := presenter.Dial(ctx, url)
	if err == nil {
		err = client.WaitForSession(ctx)
	}
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, presenter.ErrStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
	defer client.Close()

	p := tea.NewProgram(presenter.NewModel(client, channel), tea.WithAltScreen())
	presenter.Bind(p, client)

	if err := client.Send(protocol.SubscribeMsg{Type: protocol.TypeSubscribe, Channel: channel}); err != nil {
		fmt.Fprintln(os.Stderr, presenter.ErrStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
	if autoConnect {
		if err := client.Send(protocol.ConnectMsg{Type: protocol.TypeConnect}); err != nil {
			log.Printf("auto connect: %v", err)
		}
	}

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	dim := presenter.DimStyle.Render
	fmt.Println()
	fmt.Println(presenter.TitleStyle.Render("  timeline-tui") + dim("  terminal presenter for the avatar chat bridge"))
	fmt.Println()
	fmt.Printf("    %-18s %s\n", "-u, --url URL", dim("bridge WebSocket URL (BRIDGE_URL)"))
	fmt.Printf("    %-18s %s\n", "-c, --channel NAME", dim("conversation channel (CHANNEL_NAME)"))
	fmt.Printf("    %-18s %s\n", "--connect", dim("start the agent session on launch"))
	fmt.Println()
	fmt.Println(dim("    In the input line, /connect, /disconnect and /reset control the session."))
	fmt.Println()
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
