package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaot623/notechat/internal/client"
	"github.com/xiaot623/notechat/internal/config"
	"github.com/xiaot623/notechat/internal/domain"
)

func newRecoverCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Repair responses left streaming by an abnormal exit",
		Long: `Repair responses left streaming by an abnormal exit.

Run it only while "notechat serve" is stopped: the sweep cannot see another
process's live streams. A running server holds the state file, so recover
fails instead of rewriting its in-progress responses.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			n, err := a.orch.CleanupDirtyResponses(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "repaired %d response(s)\n", n)
			return nil
		},
	}
}

func newChatsCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "chats",
		Short: "List stored conversations, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			chats, err := a.orch.ListChats(ctx)
			if err != nil {
				return err
			}
			return printChats(cmd.OutOrStdout(), chats)
		},
	}
}

func printChats(w io.Writer, chats []domain.ChatPreview) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tLAST ACCESSED")
	for _, c := range chats {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c.ID, c.Title, c.LastAccessed.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

// newChatCmd is an interactive client for a running `serve`.
func newChatCmd() *cobra.Command {
	var (
		addr     string
		chatID   string
		provider string
		model    string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat interactively through a running bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			c := client.New(addr)
			if chatID == "" {
				snap, err := c.LastActive(ctx)
				if err != nil {
					return err
				}
				chatID = snap.ID
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Conversation %s\n", chatID)
			fmt.Fprintln(out, "Type a message and press Enter to send.")
			fmt.Fprintln(out, "Commands: /stop to cancel, /quit to exit")

			printer := &turnPrinter{w: out}
			go func() {
				if err := c.Watch(ctx, chatID, printer.print); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "watch: %v\n", err)
					stop()
				}
			}()

			sel := domain.ModelSelection{Provider: provider, Model: model}
			lines := make(chan string)
			go func() {
				defer close(lines)
				scanner := bufio.NewScanner(cmd.InOrStdin())
				for scanner.Scan() {
					lines <- scanner.Text()
				}
			}()

			for {
				select {
				case <-ctx.Done():
					return nil
				case line, ok := <-lines:
					if !ok {
						return nil
					}
					input := strings.TrimSpace(line)
					switch input {
					case "":
						continue
					case "/quit":
						return nil
					case "/stop":
						if err := c.Stop(ctx, chatID); err != nil {
							fmt.Fprintf(cmd.ErrOrStderr(), "stop: %v\n", err)
						}
						continue
					}
					if _, err := c.Send(ctx, chatID, input, sel); err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "send: %v\n", err)
					}
				}
			}
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&addr, "addr", "http://localhost:8080", "bridge address")
	flags.StringVar(&chatID, "chat", "", "conversation id; defaults to the last active one")
	flags.StringVar(&provider, "provider", "mock", "model provider")
	flags.StringVar(&model, "model", "", "model name")
	return cmd
}

// turnPrinter prints each assistant response once, when it reaches a terminal state.
type turnPrinter struct {
	w       io.Writer
	printed map[string]bool
}

func (p *turnPrinter) print(snap domain.ChatSnapshot) {
	if p.printed == nil {
		p.printed = make(map[string]bool)
		// Turns already finished when the watch starts are history, not news.
		for _, m := range snap.Messages {
			if m.AssistantMessage.State.Terminal() {
				p.printed[m.ID] = true
			}
		}
		return
	}
	for _, m := range snap.Messages {
		am := m.AssistantMessage
		if p.printed[m.ID] || !am.State.Terminal() {
			continue
		}
		p.printed[m.ID] = true
		fmt.Fprintf(p.w, "\n[%s] %s\n", am.State, am.Content)
	}
}
