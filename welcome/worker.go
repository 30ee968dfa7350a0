package welcome

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/meow-io/go-convo/api"
	"github.com/meow-io/go-convo/config"
	"github.com/meow-io/go-convo/errs"
	"github.com/meow-io/go-convo/groups"
	"github.com/meow-io/go-convo/ids"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var welcomeSyncs = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "convo_welcome_syncs_total",
	Help: "Welcome syncs run by the worker, by result",
}, []string{"result"})

type syncResponse struct {
	results []*Result
	err     error
}

// Worker is the only caller of its Processor. It fetches welcomes when asked to and whenever the
// network announces one, handling them one at a time.
type Worker struct {
	config    *config.Config
	log       *zap.SugaredLogger
	client    api.Client
	processor *Processor
	requests  chan chan syncResponse
	done      chan struct{}
}

func NewWorker(c *config.Config, client api.Client, processor *Processor) *Worker {
	return &Worker{
		config:    c,
		log:       c.Logger("welcome/worker"),
		client:    client,
		processor: processor,
		requests:  make(chan chan syncResponse, c.WelcomeQueueSize),
		done:      make(chan struct{}),
	}
}

// Run serves sync requests until ctx ends. Failures are logged and the loop continues.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)
	var notifications <-chan *api.Envelope
	sub, err := w.client.Subscribe(ctx, api.WelcomeTopic(w.processor.identity.InstallationKey()))
	if err != nil {
		w.log.Warnf("error subscribing to welcomes, only explicit syncs will run: %s", err)
	} else {
		defer sub.Close()
		notifications = sub.Envelopes()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case reply := <-w.requests:
			results, err := w.sync(ctx)
			reply <- syncResponse{results: results, err: err}
		case _, ok := <-notifications:
			if !ok {
				notifications = nil
				continue
			}
			if _, err := w.sync(ctx); err != nil {
				w.log.Warnf("error syncing welcomes: %s", err)
			}
		}
	}
}

// Done is closed once Run has returned.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Sync asks the worker to fetch and process new welcomes and waits for the results.
func (w *Worker) Sync(ctx context.Context) ([]*Result, error) {
	reply := make(chan syncResponse, 1)
	select {
	case w.requests <- reply:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.done:
		return nil, context.Canceled
	}
	select {
	case resp := <-reply:
		return resp.results, resp.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *Worker) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(w.config.IdentityFetchInitialIntervalMs) * time.Millisecond
	b.MaxElapsedTime = time.Duration(w.config.RequestTimeoutMs) * time.Millisecond
	return backoff.WithContext(backoff.WithMaxRetries(b, w.config.IdentityFetchMaxRetries), ctx)
}

func (w *Worker) retry(ctx context.Context, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !errs.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, w.backOff(ctx))
}

// sync stops at the first welcome that still fails after retries so it is fetched again next time.
func (w *Worker) sync(ctx context.Context) ([]*Result, error) {
	results, err := w.syncOnce(ctx)
	if err != nil {
		welcomeSyncs.WithLabelValues("error").Inc()
		return results, err
	}
	welcomeSyncs.WithLabelValues("ok").Inc()
	return results, nil
}

func (w *Worker) syncOnce(ctx context.Context) ([]*Result, error) {
	p := w.processor
	key := p.identity.InstallationKey()

	var after ids.Cursor
	if err := p.db.RunReadOnly("latest welcome cursor", func() error {
		var err error
		after, err = p.groups.LatestCursor(key, groups.EntityKindWelcome)
		return err
	}); err != nil {
		return nil, err
	}

	var envelopes []*api.Envelope
	if err := w.retry(ctx, func() error {
		var err error
		envelopes, err = w.client.QueryWelcomeMessages(ctx, key, after)
		return err
	}); err != nil {
		return nil, err
	}

	results := make([]*Result, 0, len(envelopes))
	for _, env := range envelopes {
		var result *Result
		err := w.retry(ctx, func() error {
			var err error
			result, err = p.Process(ctx, env, w.config.WelcomeCursorIncrement)
			return err
		})
		if err != nil {
			if errs.IsRetryable(err) {
				return results, err
			}
			w.log.Warnf("welcome %s could not be processed: %s", env.Cursor, err)
			continue
		}
		results = append(results, result)
	}
	return results, nil
}
