package pubsub

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/xerrors"

	"cdr.dev/slog"
	"github.com/coder/retry"
)

// dispatchQueue bounds how many received messages may await dispatch before
// new ones are dropped. Listeners enqueue onto in-process buses and never
// take long, so hitting this means the process is badly overloaded.
const dispatchQueue = 1024

type inbound struct {
	channel string
	payload []byte
}

// RedisPubsub is a Pubsub implementation over Redis channels. All shards of
// a cluster share one Redis, so a message published on any shard reaches the
// subscribers on every shard.
type RedisPubsub struct {
	logger slog.Logger
	client *redis.Client
	ps     *redis.PubSub

	ctx    context.Context
	cancel context.CancelFunc
	closed chan struct{}
	done   chan struct{}
	queue  chan inbound

	mut       sync.RWMutex
	listeners map[string]map[uuid.UUID]Listener
}

// NewRedis starts a Redis-backed Pubsub. The receive loop runs until Close.
func NewRedis(ctx context.Context, logger slog.Logger, client *redis.Client) *RedisPubsub {
	ctx, cancel := context.WithCancel(ctx)
	p := &RedisPubsub{
		logger:    logger,
		client:    client,
		ps:        client.Subscribe(ctx),
		ctx:       ctx,
		cancel:    cancel,
		closed:    make(chan struct{}),
		done:      make(chan struct{}),
		queue:     make(chan inbound, dispatchQueue),
		listeners: make(map[string]map[uuid.UUID]Listener),
	}
	go p.listen()
	go p.dispatchLoop()
	return p
}

func (p *RedisPubsub) Subscribe(event string, listener Listener) (cancel func(), err error) {
	p.mut.Lock()
	defer p.mut.Unlock()

	listeners, ok := p.listeners[event]
	if !ok {
		if err := p.ps.Subscribe(p.ctx, event); err != nil {
			return nil, xerrors.Errorf("subscribe %q: %w", event, err)
		}
		listeners = map[uuid.UUID]Listener{}
		p.listeners[event] = listeners
	}
	var id uuid.UUID
	for {
		id = uuid.New()
		if _, ok := listeners[id]; !ok {
			break
		}
	}
	listeners[id] = listener
	return func() {
		p.mut.Lock()
		defer p.mut.Unlock()
		listeners := p.listeners[event]
		delete(listeners, id)
		if len(listeners) == 0 {
			delete(p.listeners, event)
			_ = p.ps.Unsubscribe(p.ctx, event)
		}
	}, nil
}

func (p *RedisPubsub) Publish(event string, message []byte) error {
	err := p.client.Publish(p.ctx, event, message).Err()
	if err != nil {
		return xerrors.Errorf("publish %q: %w", event, err)
	}
	return nil
}

// Close stops the receive loop and detaches from Redis. The shared client is
// owned by the caller and stays open.
func (p *RedisPubsub) Close() error {
	p.cancel()
	err := p.ps.Close()
	<-p.closed
	<-p.done
	return err
}

// listen receives messages until the pubsub is closed. go-redis reconnects
// the underlying connection itself; the retrier only paces our polling when
// receives fail repeatedly.
func (p *RedisPubsub) listen() {
	defer close(p.closed)
	r := retry.New(250*time.Millisecond, 5*time.Second)
	for {
		msg, err := p.ps.ReceiveMessage(p.ctx)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			p.logger.Warn(p.ctx, "pubsub receive failed", slog.Error(err))
			if !r.Wait(p.ctx) {
				return
			}
			continue
		}
		r.Reset()
		select {
		case p.queue <- inbound{channel: msg.Channel, payload: []byte(msg.Payload)}:
		default:
			p.logger.Warn(p.ctx, "dispatch queue full, dropping message",
				slog.F("channel", msg.Channel))
		}
	}
}

// dispatchLoop runs listeners off the receive loop so a slow listener cannot
// stall the Redis connection. Delivery stays FIFO across all channels.
func (p *RedisPubsub) dispatchLoop() {
	defer close(p.done)
	for {
		select {
		case <-p.ctx.Done():
			return
		case msg := <-p.queue:
			p.dispatch(msg.channel, msg.payload)
		}
	}
}

func (p *RedisPubsub) dispatch(event string, message []byte) {
	p.mut.RLock()
	listeners := make([]Listener, 0, len(p.listeners[event]))
	for _, listener := range p.listeners[event] {
		listeners = append(listeners, listener)
	}
	p.mut.RUnlock()
	for _, listener := range listeners {
		listener(p.ctx, message)
	}
}
