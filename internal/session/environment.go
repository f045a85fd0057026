// Package session runs one shared environment: it owns the scene, the connected
// users and the simulation tick that turns scene changes into per-user
// transactions.
//
// Everything except Do, Deliver and Run belongs to the tick goroutine. Other
// goroutines reach the environment through Do.
package session

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/zeusync/scenesync/internal/core/events/bus"
	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/operation"
	"github.com/zeusync/scenesync/internal/core/property"
	"github.com/zeusync/scenesync/internal/core/relay"
	"github.com/zeusync/scenesync/internal/core/scene"
	"github.com/zeusync/scenesync/internal/core/transport"
	"github.com/zeusync/scenesync/internal/core/visibility"
)

type Config struct {
	TickInterval time.Duration

	// FanOut bounds how many users are flushed concurrently. Zero is unbounded.
	FanOut        int
	InboxCapacity int
	CommandQueue  int
}

func DefaultConfig() Config {
	return Config{
		TickInterval:  50 * time.Millisecond,
		FanOut:        16,
		InboxCapacity: 4096,
		CommandQueue:  256,
	}
}

type Environment struct {
	cfg    Config
	logger log.Log
	now    func() time.Time

	registry   *scene.Registry
	evaluator  *visibility.Evaluator
	dispatcher *transport.Dispatcher
	throttle   *relay.Throttle
	forwarder  *relay.Forwarder
	inbox      *transport.Inbox
	events     bus.EventBus

	commands chan func()
	done     chan struct{}
	users    map[property.UserID]*User
	ticks    uint64
}

func NewEnvironment(cfg Config, dispatcher *transport.Dispatcher, throttle *relay.Throttle, events bus.EventBus, logger log.Log) *Environment {
	if cfg.CommandQueue <= 0 {
		cfg.CommandQueue = DefaultConfig().CommandQueue
	}
	logger = logger.With(log.String("component", "session"))
	env := &Environment{
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		registry:   scene.NewRegistry(logger),
		evaluator:  visibility.NewEvaluator(),
		dispatcher: dispatcher,
		throttle:   throttle,
		forwarder:  relay.NewForwarder(throttle, dispatcher, logger),
		inbox:      transport.NewInbox(cfg.InboxCapacity),
		events:     events,
		commands:   make(chan func(), cfg.CommandQueue),
		done:       make(chan struct{}),
		users:      make(map[property.UserID]*User),
	}
	dispatcher.OnSessionLost(env.sessionLost)
	dispatcher.OnSendFailed(env.sendFailed)
	return env
}

func (env *Environment) Registry() *scene.Registry         { return env.registry }
func (env *Environment) Dispatcher() *transport.Dispatcher { return env.dispatcher }
func (env *Environment) Throttle() *relay.Throttle         { return env.throttle }
func (env *Environment) Events() bus.EventBus              { return env.events }
func (env *Environment) Evaluator() *visibility.Evaluator  { return env.evaluator }
func (env *Environment) Forwarder() *relay.Forwarder       { return env.forwarder }
func (env *Environment) Ticks() uint64                     { return env.ticks }

// Deliver queues a frame read by an I/O goroutine for the next tick.
func (env *Environment) Deliver(in transport.Inbound) error {
	if in.Received.IsZero() {
		in.Received = env.now()
	}
	return env.inbox.Push(in)
}

// Do runs fn on the tick goroutine and waits for it. If ctx ends first, fn may
// still run later.
func (env *Environment) Do(ctx context.Context, fn func(env *Environment) error) error {
	select {
	case <-env.done:
		return ErrStopped
	default:
	}

	result := make(chan error, 1)
	cmd := func() { result <- fn(env) }

	select {
	case env.commands <- cmd:
	case <-env.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-env.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue schedules fn without waiting for it.
func (env *Environment) enqueue(fn func()) {
	select {
	case env.commands <- fn:
	default:
		go func() {
			select {
			case env.commands <- fn:
			case <-env.done:
			}
		}()
	}
}

func (env *Environment) runCommands() int {
	n := len(env.commands)
	for range n {
		select {
		case cmd := <-env.commands:
			cmd()
		default:
			return n
		}
	}
	return n
}

// Run ticks every TickInterval until ctx is cancelled, then logs statistics.
func (env *Environment) Run(ctx context.Context) error {
	interval := env.cfg.TickInterval
	if interval <= 0 {
		return fmt.Errorf("session: tick interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	env.logger.Info("Environment running", log.Duration("tick", interval))
	for {
		select {
		case <-ctx.Done():
			env.shutdown()
			return nil
		case now := <-ticker.C:
			env.Tick(ctx, now)
		}
	}
}

func (env *Environment) shutdown() {
	close(env.done)

	for _, id := range env.userIDs() {
		_ = env.Logout(context.Background(), id, "server shutdown")
	}

	evaluations, hits := env.evaluator.Stats()
	forwarded, suppressed := env.forwarder.Stats()
	env.logger.Info("Environment stopped",
		log.Uint64("ticks", env.ticks),
		log.Int("entities", env.registry.Len()),
		log.Uint64("visibility_evaluations", evaluations),
		log.Uint64("visibility_cache_hits", hits),
		log.Uint64("relay_forwarded", forwarded),
		log.Uint64("relay_suppressed", suppressed),
		log.Uint64("inbox_dropped", env.inbox.Dropped()))
	env.dispatcher.LogStats()
}

func (env *Environment) publish(eventType string, data any) {
	if env.events == nil {
		return
	}
	if err := env.events.PublishToTopic(bus.TopicSession, bus.NewEvent(eventType, "session", data)); err != nil {
		env.logger.Warn("event listener failed", log.String("event", eventType), log.Error(err))
	}
}

func (env *Environment) userIDs() []property.UserID {
	out := make([]property.UserID, 0, len(env.users))
	for id := range env.users {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// User returns the user with id.
func (env *Environment) User(id property.UserID) (*User, bool) {
	u, ok := env.users[id]
	return u, ok
}

// Users lists every user ordered by id.
func (env *Environment) Users() []*User {
	out := make([]*User, 0, len(env.users))
	for _, id := range env.userIDs() {
		out = append(out, env.users[id])
	}
	return out
}

func (env *Environment) activeUsers() []*User {
	var out []*User
	for _, u := range env.Users() {
		if u.Active() {
			out = append(out, u)
		}
	}
	return out
}

func (env *Environment) activeIDs() []property.UserID {
	users := env.activeUsers()
	out := make([]property.UserID, len(users))
	for i, u := range users {
		out[i] = u.id
	}
	return out
}

func (env *Environment) user(id property.UserID) (*User, error) {
	u, ok := env.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, id)
	}
	return u, nil
}

// CreateEntity adds an entity under parent (zero for a root).
func (env *Environment) CreateEntity(kind scene.NodeKind, parent scene.EntityID, opts ...scene.Option) (*scene.Entity, error) {
	var p *scene.Entity
	if parent != 0 {
		var ok bool
		if p, ok = env.registry.Get(parent); !ok {
			return nil, fmt.Errorf("%w: parent %d", scene.ErrUnknownEntity, parent)
		}
	}
	return env.registry.Create(kind, p, opts...)
}

// Snapshot returns every entity user can currently see, parents first, with the
// values user would receive. The user's visibility cache is not touched.
func (env *Environment) Snapshot(id property.UserID) ([]operation.LoadEntity, error) {
	u, err := env.user(id)
	if err != nil {
		return nil, err
	}
	cache := visibility.NewCache()
	var out []operation.LoadEntity
	for _, root := range env.registry.Roots() {
		for _, s := range env.evaluator.LoadableUnder(cache, u, root) {
			out = append(out, operation.NewLoad(s.(*scene.Entity), u.id))
		}
	}
	return out, nil
}

// Lookup returns the state of the requested entities that user can see. Unknown
// or hidden ids are left out.
func (env *Environment) Lookup(id property.UserID, ids []scene.EntityID) ([]operation.LoadEntity, error) {
	u, err := env.user(id)
	if err != nil {
		return nil, err
	}
	cache := visibility.NewCache()
	var out []operation.LoadEntity
	for _, eid := range ids {
		e, ok := env.registry.Get(eid)
		if !ok || !env.evaluator.Visible(cache, u, e) {
			continue
		}
		out = append(out, operation.NewLoad(e, u.id))
	}
	return out, nil
}
