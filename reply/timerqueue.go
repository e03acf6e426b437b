// timerqueue.go - delayed delivery queue for retransmission scheduling.
// Copyright (C) 2018  masala, David Stainton.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package reply

import (
	"container/heap"
	"sync"
	"time"
)

// timerItem is one entry of the internal priority queue, ordered by fireAt.
type timerItem struct {
	fireAt time.Time
	item   interface{}
	index  int
}

type timerHeap []*timerItem

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].fireAt.Before(h[j].fireAt) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}

func (h *timerHeap) Push(x interface{}) {
	item := x.(*timerItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// TimerQueue delays arbitrary items before forwarding them to a callback,
// the reply-controller analogue of the session queue's delayed egress
// buffer: a fragment that was sent once is pushed here and, if it hasn't
// been acknowledged by the time its delay elapses, handed back for
// retransmission.
type TimerQueue struct {
	mu   sync.Mutex
	heap timerHeap

	callback func(interface{})

	wake chan struct{}
	halt chan struct{}
	done chan struct{}
}

// NewTimerQueue builds a TimerQueue that invokes callback for every entry
// whose delay has elapsed. The queue's worker goroutine is started by Start.
func NewTimerQueue(callback func(interface{})) *TimerQueue {
	return &TimerQueue{
		callback: callback,
		wake:     make(chan struct{}, 1),
		halt:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (q *TimerQueue) Start() {
	go q.worker()
}

// Push schedules item to be forwarded to the callback after delay.
func (q *TimerQueue) Push(delay time.Duration, item interface{}) {
	q.mu.Lock()
	heap.Push(&q.heap, &timerItem{fireAt: time.Now().Add(delay), item: item})
	q.mu.Unlock()
	q.signal()
}

func (q *TimerQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Halt stops the worker goroutine and waits for it to exit.
func (q *TimerQueue) Halt() {
	close(q.halt)
	<-q.done
}

func (q *TimerQueue) nextDelay() (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heap.Len() == 0 {
		return 0, false
	}
	return time.Until(q.heap[0].fireAt), true
}

func (q *TimerQueue) popDue() (interface{}, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heap.Len() == 0 {
		return nil, false
	}
	if time.Now().Before(q.heap[0].fireAt) {
		return nil, false
	}
	item := heap.Pop(&q.heap).(*timerItem)
	return item.item, true
}

func (q *TimerQueue) worker() {
	defer close(q.done)
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		delay, ok := q.nextDelay()
		var timerC <-chan time.Time
		if ok {
			if delay <= 0 {
				for {
					handle, ok := q.popDue()
					if !ok {
						break
					}
					q.callback(handle)
				}
				continue
			}
			timer.Reset(delay)
			timerC = timer.C
		}

		select {
		case <-q.halt:
			return
		case <-timerC:
		case <-q.wake:
		}
	}
}
