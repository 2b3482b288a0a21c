// Package clock отделяет бизнес-логику от системного времени.
package clock

import (
	"sync"
	"time"
)

// Clock возвращает текущее время.
type Clock interface {
	Now() time.Time
}

// Ticker: канал срабатываний с остановкой. Одноразовый таймер тоже Ticker.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Scheduler создаёт тикеры и таймеры, чтобы фоновые циклы можно было
// прогонять в тестах без реального ожидания.
type Scheduler interface {
	NewTicker(d time.Duration) Ticker
	NewTimer(d time.Duration) Ticker
}

// System: системные часы в UTC.
type System struct{}

// Now возвращает текущее время в UTC.
func (System) Now() time.Time {
	return time.Now().UTC()
}

// NewTicker оборачивает time.NewTicker.
func (System) NewTicker(d time.Duration) Ticker {
	return systemTicker{t: time.NewTicker(d)}
}

// NewTimer оборачивает time.NewTimer.
func (System) NewTimer(d time.Duration) Ticker {
	return systemTimer{t: time.NewTimer(d)}
}

type systemTicker struct{ t *time.Ticker }

func (s systemTicker) C() <-chan time.Time { return s.t.C }
func (s systemTicker) Stop()               { s.t.Stop() }

type systemTimer struct{ t *time.Timer }

func (s systemTimer) C() <-chan time.Time { return s.t.C }
func (s systemTimer) Stop()               { s.t.Stop() }

// Fake: управляемые часы для тестов. Тикеры и таймеры Fake срабатывают
// только при Advance или Set.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

// NewFake создаёт часы, остановленные на t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t.UTC()}
}

// Now возвращает текущее значение часов.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance сдвигает часы вперёд на d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.fireLocked()
	f.mu.Unlock()
}

// Set переставляет часы на t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t.UTC()
	f.fireLocked()
	f.mu.Unlock()
}

// NewTicker создаёт тикер с периодом d.
func (f *Fake) NewTicker(d time.Duration) Ticker {
	return f.newTimer(d, d)
}

// NewTimer создаёт одноразовый таймер.
func (f *Fake) NewTimer(d time.Duration) Ticker {
	return f.newTimer(d, 0)
}

// Timers возвращает число активных тикеров и таймеров.
func (f *Fake) Timers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

func (f *Fake) newTimer(d, period time.Duration) *fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()

	t := &fakeTimer{
		fake:   f,
		c:      make(chan time.Time, 1),
		next:   f.now.Add(d),
		period: period,
	}
	f.timers = append(f.timers, t)
	return t
}

// fireLocked будит просроченные таймеры. Как и у time.Ticker, пропущенные
// тики схлопываются в один.
func (f *Fake) fireLocked() {
	active := f.timers[:0]
	for _, t := range f.timers {
		if t.stopped {
			continue
		}
		if !t.next.After(f.now) {
			select {
			case t.c <- f.now:
			default:
			}
			if t.period <= 0 {
				t.stopped = true
				continue
			}
			for !t.next.After(f.now) {
				t.next = t.next.Add(t.period)
			}
		}
		active = append(active, t)
	}
	f.timers = active
}

type fakeTimer struct {
	fake    *Fake
	c       chan time.Time
	next    time.Time
	period  time.Duration
	stopped bool
}

func (t *fakeTimer) C() <-chan time.Time { return t.c }

func (t *fakeTimer) Stop() {
	f := t.fake
	f.mu.Lock()
	defer f.mu.Unlock()

	t.stopped = true
	active := f.timers[:0]
	for _, other := range f.timers {
		if other != t {
			active = append(active, other)
		}
	}
	f.timers = active
}

var (
	_ Scheduler = System{}
	_ Scheduler = (*Fake)(nil)
)
