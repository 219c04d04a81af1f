// loomcli is a minimal terminal client for a loomd server. It opens one
// conversation and turns each input line into a streamed assistant response.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/joho/godotenv"

	"github.com/loomchat/loom/internal/client"
	"github.com/loomchat/loom/internal/domain"
)

func main() {
	_ = godotenv.Load()

	serverURL := flag.String("server", "http://localhost:8080", "loomd server URL")
	model := flag.String("model", "", "model for the conversation (server default when empty)")
	search := flag.Bool("search", false, "enable the web search tool")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	c := client.New(*serverURL, client.WithLogger(logger))

	conv, err := c.CreateConversation(context.Background(), *model, *search)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create conversation: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("conversation %s (model %s)\n", conv.ID, conv.Model)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		text := scanner.Text()
		if text == "" {
			continue
		}

		msg, err := send(c, conv, text)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		printMessage(msg)
		if conv.Title != "" {
			fmt.Printf("[title: %s]\n", conv.Title)
		}
	}
}

// send runs one generation, canceling it if the user interrupts.
func send(c *client.Client, conv *domain.Conversation, text string) (*domain.Message, error) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	defer signal.Stop(sigChan)

	type result struct {
		msg *domain.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := c.SendMessage(context.Background(), conv, text)
		done <- result{msg, err}
	}()

	for {
		select {
		case r := <-done:
			return r.msg, r.err
		case <-sigChan:
			fmt.Fprintln(os.Stderr, "\ninterrupted, canceling generation")
			c.Cancel(conv.ID)
		}
	}
}

func printMessage(msg *domain.Message) {
	for _, part := range msg.Parts {
		switch part.Type {
		case domain.PartText:
			fmt.Println(part.Text)
		case domain.PartTool:
			fmt.Printf("[tool %s: %s]\n", part.ToolName, part.State)
		}
	}
	if msg.Error != "" {
		fmt.Printf("[error: %s]\n", msg.Error)
	}
	if msg.Terminated {
		fmt.Println("[generation canceled]")
	}
	if msg.Usage.TotalTokens > 0 {
		fmt.Printf("[%d tokens over %d steps]\n", msg.Usage.TotalTokens, len(msg.Steps))
	}
}
