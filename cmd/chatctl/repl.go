package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/danmuck/relaychat/internal/chat"
	"github.com/danmuck/relaychat/internal/protocol/envelope"
	"github.com/danmuck/relaychat/internal/protocol/session"
	"github.com/pterm/pterm"
	"github.com/urfave/cli/v3"
)

const replHelp = `/file <url> [caption]   send a file reference
/away, /busy, /online   set presence
/history                show this conversation
/reconnect              reconnect now, resetting attempts
/quit                   leave`

func runChat(ctx context.Context, cmd *cli.Command) error {
	target := cmd.Args().First()
	if target == "" {
		return errors.New("usage: chatctl chat <peer>")
	}
	return withClient(ctx, cmd, func(ctx context.Context, c *client) error {
		res, err := c.resolver.Resolve(ctx, target)
		if err != nil {
			return err
		}
		if !res.Resolved() {
			return fmt.Errorf("%s: %s", target, res.Reason)
		}
		peer := res.ID
		name := c.m.DisplayName(ctx, peer)

		c.tr.OnConnectionStatus(func(s session.Status) {
			switch {
			case s.State == session.StateConnected:
				pterm.Success.Println("connected")
			case s.State == session.StateReconnecting:
				pterm.Warning.Printfln("link lost, reconnect attempt %d", s.Attempt)
			case s.Terminal:
				pterm.Error.Println("gave up reconnecting; /reconnect to retry")
			}
		})
		c.m.SetEvents(chat.Events{
			Message: func(m chat.Message) {
				if m.Peer != peer {
					pterm.Info.Printfln("new message from %s", c.m.DisplayName(ctx, m.Peer))
					return
				}
				printMessage(name, m)
				if _, err := c.m.MarkRead(ctx, peer); err != nil {
					pterm.Warning.Println(err.Error())
				}
			},
			Status: func(m chat.Message) {
				if m.Peer == peer {
					pterm.Debug.Printfln("%s %s", shortID(m.ID), m.Status)
				}
			},
			Typing: func(from string, typing bool) {
				if from == peer && typing {
					pterm.Println(pterm.Gray(name + " is typing..."))
				}
			},
			Presence: func(from string, p envelope.PresencePayload) {
				if from == peer {
					pterm.Info.Printfln("%s is %s", name, p.Status)
				}
			},
		})

		if err := c.connect(ctx); err != nil {
			return err
		}
		pterm.DefaultSection.Printfln("chat with %s", name)
		pterm.Println(pterm.Gray(replHelp))
		return repl(ctx, c, peer, name)
	})
}

func repl(ctx context.Context, c *client, peer, name string) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			_ = c.m.Typing(ctx, peer, false)
			msg, err := c.m.SendText(ctx, peer, line)
			if err != nil {
				pterm.Error.Println(err.Error())
				continue
			}
			printMessage(name, msg)
			continue
		}

		verb, rest, _ := strings.Cut(line, " ")
		switch verb {
		case "/quit", "/exit":
			return nil
		case "/help":
			pterm.Println(replHelp)
		case "/history":
			for _, m := range c.m.History(peer) {
				printMessage(name, m)
			}
		case "/away", "/busy", "/online":
			if err := c.m.SetPresence(envelope.PresenceStatus(strings.TrimPrefix(verb, "/"))); err != nil {
				pterm.Error.Println(err.Error())
			}
		case "/reconnect":
			if err := c.connect(ctx); err != nil {
				pterm.Error.Println(err.Error())
			}
		case "/file":
			url, caption, _ := strings.Cut(strings.TrimSpace(rest), " ")
			msg, err := c.m.SendFile(ctx, peer, fileDescriptor(url), strings.TrimSpace(caption))
			if err != nil {
				pterm.Error.Println(err.Error())
				continue
			}
			printMessage(name, msg)
		default:
			pterm.Warning.Printfln("unknown command %s", verb)
		}
	}
}

func fileDescriptor(url string) envelope.FileDescriptor {
	base := filepath.Base(url)
	return envelope.FileDescriptor{
		URL:         url,
		Name:        base,
		ContentType: mime.TypeByExtension(filepath.Ext(base)),
	}
}

func printMessage(peerName string, m chat.Message) {
	stamp := m.SentAt.Local().Format("15:04")
	body := m.Text
	if m.File != nil {
		body = fmt.Sprintf("%s [%s %s]", m.Text, m.Subtype, m.File.URL)
	}
	if m.Outgoing {
		pterm.Printfln("%s %s %s %s", pterm.Gray(stamp), pterm.Cyan("me"), body, pterm.Gray("("+m.Status.String()+")"))
		return
	}
	pterm.Printfln("%s %s %s", pterm.Gray(stamp), pterm.Magenta(peerName), body)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
