package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/astromechza/automerge-docs/pkg/client"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

type presenceState struct {
	Name  string `json:"name"`
	Caret int    `json:"caret"`
}

func mainInner() error {
	addrVar := flag.String("addr", "http://127.0.0.1:8080", "the server to sync with")
	docVar := flag.String("doc", "default", "the document to edit")
	nameVar := flag.String("name", "", "the name shown to other clients")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := client.Dial(ctx, *addrVar, *docVar, client.OnRender(func(text string, caret int) {
		fmt.Printf("--- %d chars, caret %d ---\n%s\n", utf8.RuneCountInString(text), caret, text)
	}))
	if err != nil {
		return err
	}
	defer s.Close()

	select {
	case <-s.Ready():
	case <-time.After(10 * time.Second):
		return fmt.Errorf("timed out waiting for the initial sync")
	}
	slog.Info("synced", "doc", *docVar, "chars", utf8.RuneCountInString(s.Text()))

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		reconnectContinuously(ctx, s)
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)

loop:
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if err := appendLine(s, line, *nameVar); err != nil {
				slog.Error("failed to apply input", "err", err)
			}
		case sig := <-exit:
			slog.Info("Signal caught", "sig", sig)
			break loop
		}
	}
	cancel()
	wg.Wait()
	return nil
}

// appendLine adds line to the end of the buffer, or deletes the last n
// characters for a line of the form "/del n".
func appendLine(s *client.Session, line, name string) error {
	text := s.Text()
	if rest, ok := strings.CutPrefix(line, "/del "); ok {
		var n int
		if _, err := fmt.Sscanf(rest, "%d", &n); err != nil {
			return fmt.Errorf("failed to parse delete count: %w", err)
		}
		runes := []rune(text)
		n = min(max(n, 0), len(runes))
		text = string(runes[:len(runes)-n])
	} else {
		text += line + "\n"
	}
	caret := utf8.RuneCountInString(text)
	if err := s.Input(text, caret); err != nil {
		return err
	}
	if name == "" {
		return nil
	}
	state, _ := json.Marshal(presenceState{Name: name, Caret: caret})
	if err := s.SetPresence(state); err != nil {
		slog.Warn("failed to send presence", "err", err)
	}
	return nil
}

func reconnectContinuously(ctx context.Context, s *client.Session) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if s.Connected() {
				continue
			}
			if err := s.Reconnect(ctx); err != nil {
				slog.Error("failed to reconnect", "err", err)
			} else {
				slog.Info("reconnected")
			}
		case <-ctx.Done():
			slog.Info("stopping reconnects")
			return
		}
	}
}
