package collab

import "sync"

// 每个订阅者的有界队列容量，满了以后丢最老的一条，
// 保证慢消费者不会反压其他订阅者或发布方
const subscriberQueueSize = 32

// Broadcaster 把协作事件按实体扇出给所有订阅者。
// Publish 即发即忘：单个订阅者投递失败/队列满不影响其他订阅者，也不向发布方报错。
type Broadcaster struct {
	mu sync.RWMutex
	// entityID -> set of subscriptions
	rooms map[string]map[*Subscription]struct{}
}

type Subscription struct {
	b        *Broadcaster
	entityID string

	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{rooms: make(map[string]map[*Subscription]struct{})}
}

// Subscribe 返回指定实体的事件流，直到调用方 Cancel 为止。
// 全局事件（EventEntity 为空）也会投递到这里。
func (b *Broadcaster) Subscribe(entityID string) *Subscription {
	s := &Subscription{
		b:        b,
		entityID: entityID,
		ch:       make(chan Event, subscriberQueueSize),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rooms[entityID] == nil {
		b.rooms[entityID] = make(map[*Subscription]struct{})
	}
	b.rooms[entityID][s] = struct{}{}
	return s
}

func (s *Subscription) Events() <-chan Event { return s.ch }

// Cancel 幂等：重复调用只生效一次。
// 返回时订阅已从广播器摘除并释放（通道被关闭），没有悬挂的广播句柄。
func (s *Subscription) Cancel() {
	s.b.remove(s)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (b *Broadcaster) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.rooms[s.entityID]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(b.rooms, s.entityID)
		}
	}
}

// Publish 向事件所属实体的全部订阅者投递；实体为空则投递给所有订阅者。
// 同一实体上的调用方需按发布顺序串行调用（引擎持有该实体锁时发布），
// 这样每个订阅者看到的顺序就等于发布顺序。
func (b *Broadcaster) Publish(e Event) {
	b.mu.RLock()
	var targets []*Subscription
	if entity := e.EventEntity(); entity != "" {
		for s := range b.rooms[entity] {
			targets = append(targets, s)
		}
	} else {
		for _, subs := range b.rooms {
			for s := range subs {
				targets = append(targets, s)
			}
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		s.enqueue(e)
	}
}

func (s *Subscription) enqueue(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- e:
			return
		default:
			// 队列满：丢最老的一条再试
			select {
			case <-s.ch:
			default:
			}
		}
	}
}
