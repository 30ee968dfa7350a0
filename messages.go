package convo

import (
	"context"
	"sort"
	"time"

	"github.com/meow-io/go-convo/api"
	"github.com/meow-io/go-convo/events"
	"github.com/meow-io/go-convo/groups"
	"github.com/meow-io/go-convo/icebox"
	"github.com/meow-io/go-convo/ids"
	"github.com/meow-io/go-convo/mls"
)

// ice defers an envelope from a later epoch until the commits it depends on are merged.
func (c *Client) ice(groupID []byte, env *api.Envelope) error {
	return c.DB.Run("ice envelope", func() error {
		if _, err := c.icebox.Ice([]*icebox.OrphanedEnvelope{{
			Cursor:    env.Cursor,
			DependsOn: env.DependsOn,
			GroupID:   groupID,
			Payload:   env.Payload,
		}}); err != nil {
			return err
		}
		_, err := c.groups.UpdateCursor(groupID, groups.EntityKindCommitMessage, env.Cursor)
		return err
	})
}

// thaw retries iced envelopes that depend on the commit at cursor, along with iced envelopes of
// the group that named no dependency.
func (c *Client) thaw(ctx context.Context, g *mls.Group, cursor ids.Cursor) error {
	var candidates []*icebox.OrphanedEnvelope
	if err := c.DB.RunReadOnly("iced dependants", func() error {
		dependants, err := c.icebox.FutureDependants([]ids.Cursor{cursor})
		if err != nil {
			return err
		}
		iced, err := c.icebox.IcedForGroup(g.ID)
		if err != nil {
			return err
		}
		seen := map[ids.Cursor]bool{}
		for _, o := range dependants {
			seen[o.Cursor] = true
			candidates = append(candidates, o)
		}
		for _, o := range iced {
			if len(o.DependsOn) == 0 && !seen[o.Cursor] {
				candidates = append(candidates, o)
			}
		}
		return nil
	}); err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return ids.CompareCursors(candidates[i].Cursor, candidates[j].Cursor) < 0
	})

	resolved := []ids.Cursor{}
	for _, o := range candidates {
		if string(o.GroupID) != string(g.ID) {
			continue
		}
		iced, err := c.processEnvelope(ctx, g, &api.Envelope{
			Cursor:    o.Cursor,
			Topic:     api.GroupTopic(o.GroupID),
			Payload:   o.Payload,
			DependsOn: o.DependsOn,
		})
		if err != nil {
			return err
		}
		if !iced {
			resolved = append(resolved, o.Cursor)
		}
	}
	if len(resolved) == 0 {
		return nil
	}
	c.log.Debugf("resolved %d iced envelopes in group %x", len(resolved), g.ID)
	return c.DB.Run("remove thawed envelopes", func() error {
		return c.icebox.Remove(resolved)
	})
}

func (c *Client) Groups() ([]*groups.StoredGroup, error) {
	var all []*groups.StoredGroup
	err := c.DB.RunReadOnly("groups", func() error {
		var err error
		all, err = c.groups.Groups()
		return err
	})
	return all, err
}

// Group returns nil when the group is unknown.
func (c *Client) Group(groupID []byte) (*groups.StoredGroup, error) {
	var g *groups.StoredGroup
	err := c.DB.RunReadOnly("group", func() error {
		var err error
		g, err = c.groups.FindGroup(groupID)
		return err
	})
	return g, err
}

// Messages returns the group's transcript, oldest first, without deleted messages.
func (c *Client) Messages(groupID []byte) ([]*groups.StoredMessage, error) {
	var messages []*groups.StoredMessage
	err := c.DB.RunReadOnly("messages", func() error {
		var err error
		messages, err = c.groups.Messages(groupID)
		return err
	})
	return messages, err
}

func (c *Client) SetConsent(records ...*groups.ConsentRecord) error {
	return c.DB.Run("set consent", func() error {
		if err := c.groups.SetConsent(records...); err != nil {
			return err
		}
		c.DB.AfterCommit(func() {
			c.events.Publish(events.PreferencesChanged(records...))
		})
		return nil
	})
}

func (c *Client) Consent(entityType groups.ConsentType, entity string) (groups.ConsentState, error) {
	var state groups.ConsentState
	err := c.DB.RunReadOnly("consent", func() error {
		var err error
		state, err = c.groups.Consent(entityType, entity)
		return err
	})
	return state, err
}

// DeleteMessage hides a message locally. It reports false when the message was unknown or
// already deleted.
func (c *Client) DeleteMessage(id []byte) (bool, error) {
	deleted := false
	err := c.DB.Run("delete message", func() error {
		m, err := c.groups.Message(id)
		if err != nil || m == nil {
			return err
		}
		if deleted, err = c.groups.DeleteMessage(id); err != nil || !deleted {
			return err
		}
		m.Deleted = true
		c.DB.AfterCommit(func() {
			c.events.Publish(events.MessageDeleted(m))
		})
		return nil
	})
	return deleted, err
}

// DeleteExpiredMessages applies every group's disappearing message settings.
func (c *Client) DeleteExpiredMessages() (int64, error) {
	total := int64(0)
	now := c.clock.CurrentTimeNs()
	err := c.DB.Run("delete expired messages", func() error {
		all, err := c.groups.Groups()
		if err != nil {
			return err
		}
		for _, g := range all {
			if g.MessageDisappearFromNs == nil || g.MessageDisappearInNs == nil {
				continue
			}
			n, err := c.groups.DeleteExpiredMessages(g.ID, *g.MessageDisappearFromNs, *g.MessageDisappearInNs, now)
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	return total, err
}

func (c *Client) sweepExpired(ctx context.Context) {
	defer c.finished.Done()
	ticker := time.NewTicker(expirySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.DeleteExpiredMessages()
			if err != nil {
				c.log.Warnf("error deleting expired messages: %s", err)
				continue
			}
			if n > 0 {
				c.log.Debugf("deleted %d expired messages", n)
			}
		}
	}
}
