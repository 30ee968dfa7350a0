package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/meow-io/go-convo/api"
)

// subscription queues without bound so a slow reader never blocks the node.
type subscription struct {
	id         uuid.UUID
	node       *Node
	out        chan *api.Envelope
	notify     chan struct{}
	cancelFunc context.CancelFunc

	lock   sync.Mutex
	topics map[string]bool
	queue  []*api.Envelope
}

func (n *Node) Subscribe(ctx context.Context, topics ...api.Topic) (api.Subscription, error) {
	ctx, cancelFunc := context.WithCancel(ctx)
	s := &subscription{
		id:         uuid.New(),
		node:       n,
		out:        make(chan *api.Envelope),
		notify:     make(chan struct{}, 1),
		cancelFunc: cancelFunc,
		topics:     make(map[string]bool),
	}
	for _, t := range topics {
		s.topics[t.Key()] = true
	}

	n.lock.Lock()
	if err := n.checkAvailable("subscribe"); err != nil {
		n.lock.Unlock()
		cancelFunc()
		return nil, err
	}
	n.subscribers[s.id] = s
	n.lock.Unlock()

	n.finished.Add(1)
	go s.pump(ctx)
	n.log.Debugf("subscription %s started with %d topics", s.id, len(topics))
	return s, nil
}

func (s *subscription) Envelopes() <-chan *api.Envelope {
	return s.out
}

func (s *subscription) AddTopics(topics ...api.Topic) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, t := range topics {
		s.topics[t.Key()] = true
	}
	return nil
}

func (s *subscription) Close() {
	s.cancelFunc()
}

func (s *subscription) enqueue(e *api.Envelope) {
	s.lock.Lock()
	if !s.topics[e.Topic.Key()] {
		s.lock.Unlock()
		return
	}
	s.queue = append(s.queue, e)
	s.lock.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription) pump(ctx context.Context) {
	defer func() {
		s.node.lock.Lock()
		delete(s.node.subscribers, s.id)
		s.node.lock.Unlock()
		close(s.out)
		s.node.finished.Done()
	}()

	for {
		s.lock.Lock()
		if len(s.queue) == 0 {
			s.lock.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-s.notify:
			}
			continue
		}
		e := s.queue[0]
		s.queue = s.queue[1:]
		s.lock.Unlock()

		select {
		case <-ctx.Done():
			return
		case s.out <- e:
		}
	}
}
