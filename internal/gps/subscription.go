package gps

import "sync"

// Subscription delivers fixes to a single callback on its own goroutine until
// Cancel is called. A subscriber that falls behind loses fixes rather than
// stalling the reader.
//
// fn may still be running when Cancel returns; callers that must not act on a
// late fix need their own guard.
type Subscription struct {
	id   int
	svc  *Service
	ch   chan Fix
	done chan struct{}
	once sync.Once
}

const subscriptionBuffer = 8

func (s *Service) Subscribe(fn func(Fix)) *Subscription {
	if s == nil || fn == nil {
		return nil
	}
	sub := &Subscription{
		svc:  s,
		ch:   make(chan Fix, subscriptionBuffer),
		done: make(chan struct{}),
	}

	s.subMu.Lock()
	sub.id = s.nextSubID
	s.nextSubID++
	s.subs[sub.id] = sub
	s.subMu.Unlock()

	go sub.run(fn)
	return sub
}

// Cancel stops delivery. Safe to call more than once.
func (sub *Subscription) Cancel() {
	if sub == nil {
		return
	}
	sub.once.Do(func() {
		sub.svc.subMu.Lock()
		delete(sub.svc.subs, sub.id)
		sub.svc.subMu.Unlock()
		close(sub.done)
	})
}

func (sub *Subscription) run(fn func(Fix)) {
	for {
		select {
		case <-sub.done:
			return
		case fix := <-sub.ch:
			// Cancel wins over a fix that is already queued.
			select {
			case <-sub.done:
				return
			default:
			}
			fn(fix)
		}
	}
}

func (s *Service) publish(fix Fix) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, sub := range s.subs {
		select {
		case sub.ch <- fix:
		default:
			s.dropped.Add(1)
		}
	}
}

func (s *Service) cancelAllSubscriptions() {
	s.subMu.RLock()
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subMu.RUnlock()
	for _, sub := range subs {
		sub.Cancel()
	}
}
