package bridge

import "sync"

const (
	defaultCommandBuffer = 16
	defaultEventBuffer   = 64
)

// Bridge 是 UI 与编排器之间的消息通道：命令入、进度出。
// 发送方从不阻塞，缓冲区满时直接丢弃消息；状态正确性由编排器从持久化存储中重新推导。
type Bridge struct {
	commands chan Command

	mu          sync.Mutex
	subscribers map[int]chan Event
	nextID      int
	closed      bool
}

// New 创建 Bridge。
func New() *Bridge {
	return &Bridge{
		commands:    make(chan Command, defaultCommandBuffer),
		subscribers: make(map[int]chan Event),
	}
}

// Send 投递一条命令，返回是否成功入队。
func (b *Bridge) Send(cmd Command) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	select {
	case b.commands <- cmd:
		return true
	default:
		return false
	}
}

// Commands 返回命令接收端，由编排器独占消费。
func (b *Bridge) Commands() <-chan Command {
	return b.commands
}

// Publish 将事件广播给所有订阅者，慢订阅者会丢失事件。
func (b *Bridge) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe 注册一个事件订阅者，返回接收端与取消函数。
func (b *Bridge) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, defaultEventBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subscribers[id]; ok {
				delete(b.subscribers, id)
				close(sub)
			}
		})
	}
}

// Subscribers 返回当前订阅者数量。
func (b *Bridge) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Close 关闭命令通道与全部订阅者，之后的 Send 返回 false。
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.commands)
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}
