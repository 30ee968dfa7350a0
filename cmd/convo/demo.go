package main

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/meow-io/go-convo"
	"github.com/meow-io/go-convo/api/memory"
	"github.com/meow-io/go-convo/association"
	"github.com/meow-io/go-convo/groups"
	"github.com/spf13/cobra"
)

func newDemoCommand(opts *rootOptions) *cobra.Command {
	timeout := 30 * time.Second
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run three clients on an in-process network and print what one of them streams",
		Long: `alice creates a group with bob and carol and the three trade messages, then bob
opens a dm with carol. carol streams every message while this happens.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return runDemo(ctx, opts, newPrinter(cmd, opts))
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", timeout, "give up after this long")
	return cmd
}

type demo struct {
	opts    *rootOptions
	dir     string
	node    *memory.Node
	names   map[string]string
	clients []*convo.Client
}

func (d *demo) client(ctx context.Context, name string) (*convo.Client, error) {
	c, err := d.opts.newConfig(path.Join(d.dir, name), name)
	if err != nil {
		return nil, err
	}
	client, err := convo.NewClient(c, d.node, convo.WithInstallationSigner(association.InstallationSignerFromSeed(name)))
	if err != nil {
		return nil, err
	}
	key, err := client.NewKey(name)
	if err != nil {
		return nil, err
	}
	if err := client.Initialize(key); err != nil {
		return nil, err
	}
	d.clients = append(d.clients, client)

	wallet, err := association.WalletSignerFromSeed(name)
	if err != nil {
		return nil, err
	}
	inboxID, err := client.Register(ctx, wallet)
	if err != nil {
		return nil, fmt.Errorf("registering %s: %w", name, err)
	}
	d.names[inboxID] = name
	return client, nil
}

func (d *demo) shutdown() {
	for _, c := range d.clients {
		_ = c.Shutdown()
	}
	d.node.Shutdown()
}

func runDemo(ctx context.Context, opts *rootOptions, p *printer) error {
	dir, cleanup, err := tempDir("demo")
	if err != nil {
		return err
	}
	defer cleanup()
	nc, err := opts.newConfig(path.Join(dir, "node"), "node")
	if err != nil {
		return err
	}
	d := &demo{opts: opts, dir: dir, node: memory.NewNode(nc, 1), names: map[string]string{}}
	defer d.shutdown()

	alice, err := d.client(ctx, "alice")
	if err != nil {
		return err
	}
	bob, err := d.client(ctx, "bob")
	if err != nil {
		return err
	}
	carol, err := d.client(ctx, "carol")
	if err != nil {
		return err
	}

	stream, err := carol.StreamAllMessages(ctx)
	if err != nil {
		return err
	}
	defer func() {
		stream.Close()
		<-stream.Done()
	}()
	select {
	case <-stream.Ready():
	case <-ctx.Done():
		return ctx.Err()
	}

	g, err := alice.CreateGroup(ctx, convo.GroupOptions{Name: "demo"}, bob.InboxID(), carol.InboxID())
	if err != nil {
		return err
	}
	if _, err := bob.SyncWelcomes(ctx); err != nil {
		return err
	}
	for _, send := range []struct {
		from *convo.Client
		text string
	}{{alice, "one"}, {bob, "two"}, {alice, "three"}} {
		if _, err := send.from.Send(ctx, g.ID, []byte(send.text)); err != nil {
			return err
		}
	}

	received := []*groups.StoredMessage{}
	// transcript entry plus three messages
	for len(received) < 4 {
		m, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		received = append(received, m)
	}

	dm, err := bob.CreateDM(ctx, carol.InboxID())
	if err != nil {
		return err
	}
	if _, err := bob.Send(ctx, dm.ID, []byte("psst")); err != nil {
		return err
	}
	for {
		m, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		received = append(received, m)
		if string(m.DecryptedMessageBytes) == "psst" {
			break
		}
	}

	conversations := map[string]string{string(g.ID): "demo", string(dm.ID): "dm"}
	rows := make([][]string, 0, len(received))
	for i, m := range received {
		kind, content := d.describe(m)
		rows = append(rows, []string{strconv.Itoa(i + 1), conversations[string(m.GroupID)], d.name(m.SenderInboxID), kind, content})
	}
	p.heading("carol's stream")
	return p.table([]string{"#", "Conversation", "Sender", "Kind", "Content"}, rows)
}

func (d *demo) name(inboxID string) string {
	if n, ok := d.names[inboxID]; ok {
		return n
	}
	return inboxID
}

func (d *demo) describe(m *groups.StoredMessage) (string, string) {
	if m.Kind == groups.MessageKindApplication {
		return "message", string(m.DecryptedMessageBytes)
	}
	update, err := groups.DecodeGroupUpdated(m.DecryptedMessageBytes)
	if err != nil {
		return "membership", err.Error()
	}
	parts := []string{}
	if len(update.AddedInboxes) > 0 {
		parts = append(parts, "added "+d.nameList(update.AddedInboxes))
	}
	if len(update.RemovedInboxes) > 0 {
		parts = append(parts, "removed "+d.nameList(update.RemovedInboxes))
	}
	return "membership", strings.Join(parts, "; ")
}

func (d *demo) nameList(inboxIDs []string) string {
	out := make([]string, 0, len(inboxIDs))
	for _, id := range inboxIDs {
		out = append(out, d.name(id))
	}
	sort.Strings(out)
	return strings.Join(out, ", ")
}
