package stream

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/binlogtap/binlog"
	"github.com/maxpert/binlogtap/common"
	"github.com/maxpert/binlogtap/telemetry"
)

// Subscriber receives events in stream order from the engine's read loop.
// A returned error stops the stream.
type Subscriber interface {
	OnEvent(ctx context.Context, ev *binlog.Event) error
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ctx context.Context, ev *binlog.Event) error

func (f SubscriberFunc) OnEvent(ctx context.Context, ev *binlog.Event) error {
	return f(ctx, ev)
}

// Resetter is implemented by subscribers that hold per-transaction state.
// Reset is called after the stream was cut, before events of the
// resumed stream are delivered.
type Resetter interface {
	Reset()
}

// SubscriptionID identifies a registration.
type SubscriptionID uint64

type subscription struct {
	id    SubscriptionID
	sub   Subscriber
	kinds map[binlog.Kind]bool
}

func (s *subscription) wants(k binlog.Kind) bool {
	return s.kinds == nil || s.kinds[k]
}

// Dispatcher fans events out to subscribers. Subscribers may come and go
// from any goroutine; a change takes effect from the next event.
type Dispatcher struct {
	subs   *xsync.MapOf[SubscriptionID, *subscription]
	nextID atomic.Uint64

	mu       sync.Mutex
	snapshot atomic.Pointer[[]*subscription]
}

func NewDispatcher() *Dispatcher {
	d := &Dispatcher{subs: xsync.NewMapOf[SubscriptionID, *subscription]()}
	d.snapshot.Store(&[]*subscription{})
	return d
}

// Subscribe registers sub for the given kinds, or for every kind when none
// are given.
func (d *Dispatcher) Subscribe(sub Subscriber, kinds ...binlog.Kind) SubscriptionID {
	s := &subscription{id: SubscriptionID(d.nextID.Add(1)), sub: sub}
	if len(kinds) > 0 {
		s.kinds = make(map[binlog.Kind]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}
	d.subs.Store(s.id, s)
	d.rebuild()
	return s.id
}

// Unsubscribe removes a registration. Unknown ids are ignored.
func (d *Dispatcher) Unsubscribe(id SubscriptionID) bool {
	_, ok := d.subs.LoadAndDelete(id)
	if ok {
		d.rebuild()
	}
	return ok
}

// Len is the number of registrations.
func (d *Dispatcher) Len() int {
	return d.subs.Size()
}

// rebuild publishes the registrations in id order so delivery order
// follows registration order.
func (d *Dispatcher) rebuild() {
	d.mu.Lock()
	defer d.mu.Unlock()

	list := make([]*subscription, 0, d.subs.Size())
	d.subs.Range(func(_ SubscriptionID, s *subscription) bool {
		list = append(list, s)
		return true
	})
	sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })
	d.snapshot.Store(&list)
	telemetry.SubscribersActive.Set(float64(len(list)))
}

// Dispatch delivers ev to every interested subscriber in turn and stops at
// the first failure.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *binlog.Event) error {
	start := time.Now()
	defer func() {
		telemetry.DispatchDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	k := ev.Kind()
	for _, s := range *d.snapshot.Load() {
		if !s.wants(k) {
			continue
		}
		if err := s.sub.OnEvent(ctx, ev); err != nil {
			if common.KindOf(err) == common.KindUnknown {
				err = common.NewError(common.KindSubscriber, "dispatch "+ev.String(), err)
			}
			return err
		}
	}
	return nil
}

// Reset notifies every Resetter that the stream was cut.
func (d *Dispatcher) Reset() {
	for _, s := range *d.snapshot.Load() {
		if r, ok := s.sub.(Resetter); ok {
			log.Debug().Uint64("subscription", uint64(s.id)).Msg("Resetting subscriber")
			r.Reset()
		}
	}
}
