package convo

import (
	"context"
	"errors"

	"github.com/meow-io/go-convo/api"
	"github.com/meow-io/go-convo/events"
	"github.com/meow-io/go-convo/groups"
	"go.uber.org/zap"
)

var ErrStreamClosed = errors.New("convo: stream closed")

type streamItem struct {
	message *groups.StoredMessage
	err     error
}

// Stream delivers every message the client stores, in the order it stores them, from every
// group including groups joined after the stream started.
type Stream struct {
	client *Client
	log    *zap.SugaredLogger
	items  chan streamItem
	ready  chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
}

// StreamAllMessages starts a stream. Messages stored from the moment it returns are delivered;
// Ready is closed once the network subscription is in place.
func (c *Client) StreamAllMessages(ctx context.Context) (*Stream, error) {
	if err := c.requireRegistered(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		client: c,
		log:    c.config.Logger("stream"),
		items:  make(chan streamItem, c.config.EventBufferSize),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	sub := c.events.Subscribe()
	go s.run(ctx, sub)
	return s, nil
}

// Ready is closed once the stream listens to the network.
func (s *Stream) Ready() <-chan struct{} {
	return s.ready
}

// Done is closed once the stream has stopped.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

func (s *Stream) Close() {
	s.cancel()
}

// Next blocks for the next message. A *events.Lagged error means messages were dropped because
// the reader fell behind; the stream continues after it.
func (s *Stream) Next(ctx context.Context) (*groups.StoredMessage, error) {
	select {
	case item, ok := <-s.items:
		if !ok {
			return nil, ErrStreamClosed
		}
		return item.message, item.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Stream) run(ctx context.Context, sub *events.Subscriber[events.Event]) {
	defer func() {
		sub.Close()
		s.cancel()
		close(s.items)
		close(s.done)
	}()

	all, err := s.client.Groups()
	if err != nil {
		close(s.ready)
		s.deliver(ctx, streamItem{err: err})
		return
	}
	topics := make([]api.Topic, 0, len(all))
	for _, g := range all {
		topics = append(topics, api.GroupTopic(g.ID))
	}
	network, err := s.client.api.Subscribe(ctx, topics...)
	if err != nil {
		close(s.ready)
		s.deliver(ctx, streamItem{err: err})
		return
	}
	defer network.Close()
	close(s.ready)

	syncs := make(chan []byte, len(all)+s.client.config.EventBufferSize)
	// catch up on anything published while nobody listened
	for _, g := range all {
		syncs <- g.ID
	}
	synced := make(chan struct{})
	go func() {
		defer close(synced)
		s.syncLoop(ctx, network.Envelopes(), syncs)
	}()
	s.eventLoop(ctx, sub, network, syncs)
	s.cancel()
	<-synced
}

// syncLoop is the only place the stream touches group state.
func (s *Stream) syncLoop(ctx context.Context, envelopes <-chan *api.Envelope, syncs <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-syncs:
			s.sync(ctx, id)
		case env, ok := <-envelopes:
			if !ok {
				envelopes = nil
				continue
			}
			s.sync(ctx, env.Topic.ID)
		}
	}
}

func (s *Stream) sync(ctx context.Context, groupID []byte) {
	if _, err := s.client.SyncGroup(ctx, groupID); err != nil && ctx.Err() == nil {
		s.log.Warnf("error syncing group %x: %s", groupID, err)
	}
}

func (s *Stream) eventLoop(ctx context.Context, sub *events.Subscriber[events.Event], network api.Subscription, syncs chan<- []byte) {
	for {
		event, err := sub.Recv(ctx)
		if err != nil {
			var lagged *events.Lagged
			if errors.As(err, &lagged) {
				s.log.Warnf("stream lagged, %d events missed", lagged.Missed)
				if !s.deliver(ctx, streamItem{err: err}) {
					return
				}
				continue
			}
			return
		}
		switch event.Kind {
		case events.KindNewGroup:
			if err := network.AddTopics(api.GroupTopic(event.Group.ID)); err != nil {
				s.log.Warnf("error subscribing to group %x: %s", event.Group.ID, err)
			}
			select {
			case syncs <- event.Group.ID:
			case <-ctx.Done():
				return
			}
		case events.KindNewMessage:
			if !s.deliver(ctx, streamItem{message: event.Message}) {
				return
			}
		}
	}
}

func (s *Stream) deliver(ctx context.Context, item streamItem) bool {
	select {
	case s.items <- item:
		return true
	case <-ctx.Done():
		return false
	}
}
