package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTimerQueueFiresInDeadlineOrder(t *testing.T) {
	q := newTimerQueue()
	var fired []int
	q.schedule(300, func(int64) { fired = append(fired, 3) })
	q.schedule(100, func(int64) { fired = append(fired, 1) })
	q.schedule(200, func(int64) { fired = append(fired, 2) })

	q.fireDue(50)
	assert.Empty(t, fired)

	q.fireDue(250)
	assert.Equal(t, []int{1, 2}, fired)

	q.fireDue(300)
	assert.Equal(t, []int{1, 2, 3}, fired)
	assert.Equal(t, 0, q.size())
}

func TestTimerQueueCancelByToken(t *testing.T) {
	q := newTimerQueue()
	var fired []int
	q.schedule(100, func(int64) { fired = append(fired, 1) })
	tok := q.schedule(200, func(int64) { fired = append(fired, 2) })
	q.schedule(300, func(int64) { fired = append(fired, 3) })

	q.cancel(tok)
	q.cancel(tok) // double cancel is harmless
	q.fireDue(1000)
	assert.Equal(t, []int{1, 3}, fired)
}

func TestTimerQueueCallbackMayReschedule(t *testing.T) {
	q := newTimerQueue()
	count := 0
	var again func(nowRaw int64)
	again = func(nowRaw int64) {
		count++
		if count < 3 {
			q.schedule(nowRaw+100, again)
		}
	}
	q.schedule(100, again)

	q.fireDue(100)
	assert.Equal(t, 1, count)
	q.fireDue(200)
	assert.Equal(t, 2, count)
	q.fireDue(10_000)
	assert.Equal(t, 3, count)
}

func TestTimerQueueClear(t *testing.T) {
	q := newTimerQueue()
	fired := false
	q.schedule(100, func(int64) { fired = true })
	q.clear()
	q.fireDue(1000)
	assert.False(t, fired)
	assert.Equal(t, 0, q.size())
}
