package utils

import (
	"sync"
	"testing"

	"go.viam.com/test"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue[int]()
	_, ok := q.TryPop()
	test.That(t, ok, test.ShouldBeFalse)

	for i := 0; i < 5; i++ {
		q.Push(i)
	}
	test.That(t, q.Len(), test.ShouldEqual, 5)
	for i := 0; i < 5; i++ {
		v, ok := q.TryPop()
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, v, test.ShouldEqual, i)
	}
	test.That(t, q.Len(), test.ShouldEqual, 0)
}

func TestQueuePushSeqConcurrent(t *testing.T) {
	type item struct{ seq, producer int }
	q := NewQueue[item]()

	const producers, perProducer = 8, 50
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.PushSeq(func(seq int) item { return item{seq, p} })
			}
		}(p)
	}
	wg.Wait()

	test.That(t, q.Len(), test.ShouldEqual, producers*perProducer)
	for want := 0; want < producers*perProducer; want++ {
		v, ok := q.TryPop()
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, v.seq, test.ShouldEqual, want)
	}
}
