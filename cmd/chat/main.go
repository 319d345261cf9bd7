// Package main is a terminal client for the messaging service. It opens a
// conversation view, prints pushed messages, and sends each stdin line.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/MrCobi/periodico-messaging/internal/model"
	"github.com/MrCobi/periodico-messaging/pkg/client"
)

func main() {
	var (
		server  = flag.String("server", "http://localhost:8080", "messaging server base URL")
		token   = flag.String("token", os.Getenv("CHAT_TOKEN"), "bearer token")
		userID  = flag.String("user", "", "own user id")
		partner = flag.String("partner", "", "conversation partner user id")
	)
	flag.Parse()

	if *token == "" || *userID == "" || *partner == "" {
		fmt.Fprintln(os.Stderr, "usage: chat -token <jwt> -user <id> -partner <id> [-server <url>]")
		os.Exit(2)
	}

	api := client.NewHTTPAPI(*server, *token)
	session := client.NewSession(api, *userID, *partner, client.Options{
		OnState: func(s client.State) {
			fmt.Printf("-- %s\n", s)
		},
		OnMessage: func(m model.Message) {
			if m.SenderID == *partner {
				fmt.Printf("<%s> %s\n", m.SenderID, m.Content)
			}
		},
		OnError: func(err error) {
			fmt.Fprintf(os.Stderr, "-- stream error: %v\n", err)
		},
	})

	ctx := context.Background()
	if err := session.Open(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to open conversation: %v\n", err)
		os.Exit(1)
	}
	defer session.Close()

	for _, group := range session.GroupedByDate() {
		fmt.Printf("---- %s ----\n", group.Date)
		for _, e := range group.Entries {
			fmt.Printf("<%s> %s\n", e.Message.SenderID, e.Message.Content)
		}
	}

	if !session.CanSend() {
		fmt.Println("-- you need a mutual follow to send messages")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			if _, err := session.Send(ctx, line); err != nil {
				fmt.Fprintf(os.Stderr, "-- send failed: %v\n", err)
			}
		}
		quit <- syscall.SIGTERM
	}()

	<-quit
}
