package worker

import "sync"

// limiter tracks in-process execution slots: a per-room concurrency cap and
// exclusive resource keys. It only coordinates workers inside one daemon;
// cross-process exclusion is the lease's job.
type limiter struct {
	mu        sync.Mutex
	roomLimit int // 0 = unlimited
	rooms     map[string]int
	resources map[string]string // resource key -> holding task id
}

func newLimiter(roomLimit int) *limiter {
	return &limiter{
		roomLimit: roomLimit,
		rooms:     make(map[string]int),
		resources: make(map[string]string),
	}
}

// acquire claims a slot for the task. Both the room slot and the resource key
// are taken together or not at all.
func (l *limiter) acquire(taskID, room, resourceKey string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if room != "" && l.roomLimit > 0 && l.rooms[room] >= l.roomLimit {
		return false
	}
	if resourceKey != "" {
		if _, held := l.resources[resourceKey]; held {
			return false
		}
		l.resources[resourceKey] = taskID
	}
	if room != "" {
		l.rooms[room]++
	}
	return true
}

func (l *limiter) release(taskID, room, resourceKey string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if room != "" {
		if l.rooms[room] > 1 {
			l.rooms[room]--
		} else {
			delete(l.rooms, room)
		}
	}
	if resourceKey != "" && l.resources[resourceKey] == taskID {
		delete(l.resources, resourceKey)
	}
}
