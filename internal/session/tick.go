package session

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/zeusync/scenesync/internal/core/channel"
	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/operation"
	"github.com/zeusync/scenesync/internal/core/property"
	"github.com/zeusync/scenesync/internal/core/scene"
	"github.com/zeusync/scenesync/pkg/concurrent"
)

// TickStats summarizes one tick.
type TickStats struct {
	Tick         uint64
	Commands     int
	Inbound      int
	Loads        int
	Deletes      int
	Updates      int
	Transactions int
	Failed       int
	Took         time.Duration
}

type outgoing struct {
	user property.UserID
	tx   *operation.Transaction
}

// Tick advances the environment once: queued commands, inbound frames, entity
// behaviours, then one reliable transaction per active user carrying loads,
// deletes and property changes, flushed concurrently across users. A user whose
// token is expired never delays the tick; its transactions wait in the
// dispatcher and a user that loses one is reloaded on a later tick.
func (env *Environment) Tick(ctx context.Context, now time.Time) TickStats {
	env.ticks++
	stats := TickStats{Tick: env.ticks}

	stats.Commands = env.runCommands()
	inbound := env.inbox.Drain()
	for _, in := range inbound {
		env.handleInbound(ctx, in, now)
	}
	stats.Inbound = len(inbound)

	env.registry.Tick()

	deleted := env.registry.DrainDeleted()
	entities := env.registry.All()
	dirty := make(map[scene.EntityID]bool)
	for _, e := range env.registry.Dirty() {
		dirty[e.ID()] = true
	}

	var out []outgoing
	for _, u := range env.activeUsers() {
		tx := env.collect(u, entities, deleted, dirty, &stats)
		if !tx.Empty() {
			out = append(out, outgoing{user: u.id, tx: tx})
		}
	}
	env.registry.Commit()

	stats.Transactions = len(out)
	var (
		mu     sync.Mutex
		failed []outgoing
	)
	_ = concurrent.ForEach(ctx, out, env.cfg.FanOut, func(ctx context.Context, o outgoing) error {
		err := env.dispatcher.Post(ctx, o.user, o.tx)
		if err != nil {
			env.logger.Warn("Transaction not delivered",
				log.String("user", string(o.user)),
				log.Int("operations", o.tx.Len()),
				log.Error(err))
			mu.Lock()
			failed = append(failed, o)
			mu.Unlock()
		}
		return nil
	})
	for _, o := range failed {
		env.resync(o.user, []*operation.Transaction{o.tx})
	}
	stats.Failed = len(failed)

	stats.Took = time.Since(now)
	if stats.Transactions > 0 || stats.Inbound > 0 {
		env.logger.Debug("Tick",
			log.Uint64("tick", stats.Tick),
			log.Int("inbound", stats.Inbound),
			log.Int("loads", stats.Loads),
			log.Int("deletes", stats.Deletes),
			log.Int("updates", stats.Updates),
			log.Int("transactions", stats.Transactions))
	}
	return stats
}

// collect builds u's transaction for this tick. Deletes of destroyed entities come
// first, then entities that became hidden (children before parents), then loads
// (parents before children), then changes to entities the user already had.
func (env *Environment) collect(u *User, entities []*scene.Entity, deleted []scene.EntityID, dirty map[scene.EntityID]bool, stats *TickStats) *operation.Transaction {
	tx := operation.NewTransaction(true, channel.Data)
	cache := u.cache
	cache.Advance()

	for _, id := range deleted {
		if cache.WasVisible(uint32(id)) {
			tx.Append(operation.DeleteEntity{Entity: id})
			stats.Deletes++
		}
		cache.Forget(uint32(id))
	}

	visible := make([]bool, len(entities))
	for i, e := range entities {
		visible[i] = env.evaluator.Visible(cache, u, e)
	}

	if len(u.stale) > 0 {
		for i, e := range entities {
			if visible[i] {
				delete(u.stale, e.ID())
			}
		}
		stale := make([]scene.EntityID, 0, len(u.stale))
		for id := range u.stale {
			stale = append(stale, id)
		}
		slices.Sort(stale)
		for i := len(stale) - 1; i >= 0; i-- {
			tx.Append(operation.DeleteEntity{Entity: stale[i]})
			stats.Deletes++
		}
		clear(u.stale)
	}

	for i := len(entities) - 1; i >= 0; i-- {
		id := entities[i].ID()
		if !visible[i] && cache.WasVisible(uint32(id)) {
			tx.Append(operation.DeleteEntity{Entity: id})
			stats.Deletes++
		}
	}

	var updates []operation.Operation
	for i, e := range entities {
		if !visible[i] {
			continue
		}
		if !cache.WasVisible(uint32(e.ID())) {
			tx.Append(operation.NewLoad(e, u.id))
			stats.Loads++
			continue
		}
		if dirty[e.ID()] {
			updates = append(updates, operation.FromChanges(e.ID(), e.Changes(u.id))...)
		}
	}
	tx.Append(updates...)
	stats.Updates += len(updates)
	return tx
}

// resync is called when transactions to a user were lost. The user's cache is
// reset so the next tick loads everything it can see with current values.
// Entities the user may hold that are not reloaded, either because they were
// visible before or because a lost transaction deleted them, are deleted again.
func (env *Environment) resync(id property.UserID, lost []*operation.Transaction) {
	u, ok := env.users[id]
	if !ok {
		return
	}
	for _, v := range u.cache.Visible() {
		u.stale[scene.EntityID(v)] = struct{}{}
	}
	for _, tx := range lost {
		for _, op := range tx.Operations {
			if del, ok := op.(operation.DeleteEntity); ok {
				u.stale[del.Entity] = struct{}{}
			}
		}
	}
	u.cache.Reset()
	env.logger.Info("User scheduled for reload",
		log.String("user", string(id)),
		log.Int("lost_transactions", len(lost)),
		log.Int("stale_entities", len(u.stale)))
}

// sendFailed runs on a dispatcher goroutine when queued transactions to a user
// could not be delivered.
func (env *Environment) sendFailed(id property.UserID, lost []*operation.Transaction, cause error) {
	env.logger.Warn("Queued transactions lost",
		log.String("user", string(id)),
		log.Int("transactions", len(lost)),
		log.Error(cause))
	env.enqueue(func() { env.resync(id, lost) })
}
