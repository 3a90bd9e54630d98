package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/relaychat/internal/chat"
	"github.com/danmuck/relaychat/internal/config"
	"github.com/danmuck/relaychat/internal/identity"
	"github.com/danmuck/relaychat/internal/store"
	"github.com/pterm/pterm"
	"github.com/urfave/cli/v3"
)

func runKeygen(_ context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	id, err := identity.Generate()
	if err != nil {
		return err
	}
	if err := identity.Save(cfg.IdentityFile, id, cmd.Bool("force")); err != nil {
		return err
	}
	pterm.Success.Printfln("identity written to %s", cfg.IdentityFile)
	pterm.Info.Printfln("id %s", id.ID())
	return nil
}

func runConfigInit(_ context.Context, cmd *cli.Command) error {
	path := expandHome(cmd.String("config"))
	if err := config.WriteTemplate(path, "client", cmd.Bool("force")); err != nil {
		return err
	}
	pterm.Success.Printfln("config written to %s", path)
	return nil
}

func runProfileSet(ctx context.Context, cmd *cli.Command) error {
	handle := cmd.Args().First()
	if handle == "" {
		return errors.New("usage: chatctl profile set <handle> [--name NAME]")
	}
	return withClient(ctx, cmd, func(ctx context.Context, c *client) error {
		p, err := chat.SetupProfile(ctx, c.store, c.self, handle, cmd.String("name"))
		if err != nil {
			return err
		}
		pterm.Success.Printfln("profile @%s (%s) saved", p.Handle, p.DisplayName)
		pterm.Info.Println("share your contact card: " + chat.ContactCard(p))
		return nil
	})
}

func runProfileShow(ctx context.Context, cmd *cli.Command) error {
	return withClient(ctx, cmd, func(ctx context.Context, c *client) error {
		p, err := c.store.LoadProfile(ctx, c.self.ID())
		if errors.Is(err, store.ErrNotFound) {
			pub := c.self.BoxPublicKey()
			p = store.Profile{ID: c.self.ID(), BoxKey: pub[:]}
		} else if err != nil {
			return err
		}
		return pterm.DefaultTable.WithData(pterm.TableData{
			{"id", p.ID},
			{"handle", handleOrDash(p.Handle, c.cfg.HandleSuffix)},
			{"display name", p.DisplayName},
			{"contact card", chat.ContactCard(p)},
		}).Render()
	})
}

func runPeerAdd(ctx context.Context, cmd *cli.Command) error {
	card := cmd.Args().First()
	if card == "" {
		return errors.New("usage: chatctl peer add <card> [--nick NAME]")
	}
	p, err := chat.ParseContactCard(card)
	if err != nil {
		return err
	}
	return withClient(ctx, cmd, func(ctx context.Context, c *client) error {
		if p.ID == c.self.ID() {
			return errors.New("that is your own contact card")
		}
		if err := chat.AddContact(ctx, c.store, p, cmd.String("nick")); err != nil {
			return err
		}
		pterm.Success.Printfln("added %s", c.m.DisplayName(ctx, p.ID))
		return nil
	})
}

func runPeerNick(ctx context.Context, cmd *cli.Command) error {
	peer := cmd.Args().Get(0)
	if peer == "" {
		return errors.New("usage: chatctl peer nick <peer> [nickname]")
	}
	nickname := strings.Join(cmd.Args().Slice()[1:], " ")
	return withClient(ctx, cmd, func(ctx context.Context, c *client) error {
		if err := c.m.SetNickname(ctx, peer, nickname); err != nil {
			return err
		}
		if nickname == "" {
			pterm.Success.Printfln("nickname for %s cleared", peer)
		} else {
			pterm.Success.Printfln("%s is now %q", peer, nickname)
		}
		return nil
	})
}

func runPeerList(ctx context.Context, cmd *cli.Command) error {
	return withClient(ctx, cmd, func(ctx context.Context, c *client) error {
		peers, err := c.store.ListPeers(ctx)
		if err != nil {
			return err
		}
		if len(peers) == 0 {
			pterm.Info.Println("no contacts yet; import one with `chatctl peer add <card>`")
			return nil
		}
		rows := pterm.TableData{{"name", "handle", "id", "added"}}
		for _, p := range peers {
			rows = append(rows, []string{
				c.m.DisplayName(ctx, p.ID),
				handleOrDash(p.Handle, c.cfg.HandleSuffix),
				p.ID,
				p.AddedAt.Local().Format("2006-01-02"),
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	})
}

func runResolve(ctx context.Context, cmd *cli.Command) error {
	input := cmd.Args().First()
	if input == "" {
		return errors.New("usage: chatctl resolve <input>")
	}
	return withClient(ctx, cmd, func(ctx context.Context, c *client) error {
		res, err := c.resolver.Resolve(ctx, input)
		if err != nil {
			return err
		}
		if !res.Resolved() {
			pterm.Warning.Printfln("%s: %s %s", input, res.Status, res.Reason)
			return nil
		}
		pterm.Success.Printfln("%s -> %s", input, res.ID)
		if res.Handle != "" {
			pterm.Info.Printfln("handle %s", handleOrDash(res.Handle, c.resolver.Suffix()))
		}
		return nil
	})
}

func handleOrDash(handle, suffix string) string {
	if handle == "" {
		return "-"
	}
	if suffix == "" {
		return "@" + handle
	}
	return fmt.Sprintf("%s.%s", handle, suffix)
}
