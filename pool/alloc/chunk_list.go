package alloc

import (
	"math"
	"strings"
)

// chunkList holds the chunks whose usage lies in [minUsage, maxUsage).
//
// Lists are chained by usage: a chunk that grows past maxUsage moves to next,
// one that shrinks below minUsage moves to prev. The lowest pooled list has no
// prev, so a chunk falling out of it is destroyed. The initial list points prev
// at itself and never destroys anything.
type chunkList struct {
	arena       *Arena
	next        *chunkList
	prev        *chunkList
	minUsage    int
	maxUsage    int
	maxCapacity int
	head        *Chunk
}

func newChunkList(a *Arena, next *chunkList, minUsage, maxUsage, chunkSize int) *chunkList {
	return &chunkList{
		arena:       a,
		next:        next,
		minUsage:    minUsage,
		maxUsage:    maxUsage,
		maxCapacity: calculateMaxCapacity(minUsage, chunkSize),
	}
}

// calculateMaxCapacity is the largest run any chunk in a list with minUsage
// could still have free.
func calculateMaxCapacity(minUsage, chunkSize int) int {
	minUsage = max(1, minUsage)
	if minUsage == 100 {
		return 0
	}
	return int(int64(chunkSize) * int64(100-minUsage) / 100)
}

// allocate tries each member chunk in order.
func (l *chunkList) allocate(normCapacity int) (*Chunk, int64) {
	if l.head == nil || normCapacity > l.maxCapacity {
		return nil, -1
	}
	for c := l.head; c != nil; c = c.next {
		handle := c.allocate(normCapacity)
		if handle < 0 {
			continue
		}
		if c.Usage() >= l.maxUsage {
			l.remove(c)
			l.next.add(c)
		}
		return c, handle
	}
	return nil, -1
}

// free releases handle inside c and migrates c if needed. It returns false
// when c fell below every list and must be destroyed.
func (l *chunkList) free(c *Chunk, handle int64) bool {
	c.free(handle)
	if c.Usage() < l.minUsage {
		l.remove(c)
		return l.move0(c)
	}
	return true
}

func (l *chunkList) move(c *Chunk) bool {
	if c.Usage() < l.minUsage {
		return l.move0(c)
	}
	l.add0(c)
	return true
}

func (l *chunkList) move0(c *Chunk) bool {
	if l.prev == nil {
		// usage is 0 and there is no lower list
		return false
	}
	return l.prev.move(c)
}

func (l *chunkList) add(c *Chunk) {
	if c.Usage() >= l.maxUsage {
		l.next.add(c)
		return
	}
	l.add0(c)
}

func (l *chunkList) add0(c *Chunk) {
	c.list = l
	c.prev = nil
	c.next = l.head
	if l.head != nil {
		l.head.prev = c
	}
	l.head = c
}

func (l *chunkList) remove(c *Chunk) {
	if c == l.head {
		l.head = c.next
		if l.head != nil {
			l.head.prev = nil
		}
	} else {
		c.prev.next = c.next
		if c.next != nil {
			c.next.prev = c.prev
		}
	}
	c.list = nil
	c.prev = nil
	c.next = nil
}

func (l *chunkList) len() int {
	n := 0
	for c := l.head; c != nil; c = c.next {
		n++
	}
	return n
}

func (l *chunkList) metrics() ChunkListMetrics {
	m := ChunkListMetrics{
		MinUsage: clampUsage(l.minUsage),
		MaxUsage: clampUsage(l.maxUsage),
	}
	for c := l.head; c != nil; c = c.next {
		m.Chunks = append(m.Chunks, c.metrics())
	}
	return m
}

func clampUsage(u int) int {
	return min(100, max(0, u))
}

func (l *chunkList) String() string {
	if l.head == nil {
		return "none"
	}
	var sb strings.Builder
	for c := l.head; c != nil; c = c.next {
		sb.WriteString(c.String())
		if c.next != nil {
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// usage bounds of the six lists, lowest first
const (
	initMinUsage = math.MinInt32
	maxListUsage = math.MaxInt32
)
