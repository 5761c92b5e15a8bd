package stream

import (
	"errors"
	"sync"
	"testing"

	"github.com/meridianrpc/corerpc/rpcerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSubscriber[T any] struct {
	mu         sync.Mutex
	sub        Subscription
	next       []T
	err        error
	completed  bool
	subscribed bool
}

func (r *recordingSubscriber[T]) OnSubscribe(sub Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sub = sub
	r.subscribed = true
}

func (r *recordingSubscriber[T]) OnNext(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next = append(r.next, v)
}

func (r *recordingSubscriber[T]) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *recordingSubscriber[T]) OnComplete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = true
}

func (r *recordingSubscriber[T]) snapshot() (next []T, err error, completed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T{}, r.next...), r.err, r.completed
}

func TestTryWriteBeforeSubscribeQueuesThenDelivers(t *testing.T) {
	s := New[int]()
	require.True(t, s.TryWrite(1))
	require.True(t, s.TryWrite(2))

	sub := &recordingSubscriber[int]{}
	require.NoError(t, s.Subscribe(sub, nil))
	require.True(t, sub.subscribed)

	sub.sub.Request(10)
	next, _, _ := sub.snapshot()
	assert.Equal(t, []int{1, 2}, next)
}

func TestWriteAfterCloseFailsClosedStream(t *testing.T) {
	s := New[int]()
	s.Close()
	err := s.Write(1)
	assert.ErrorIs(t, err, rpcerrors.ErrClosedStream)
}

func TestSecondSubscribeFailsIllegalState(t *testing.T) {
	s := New[int]()
	sub1 := &recordingSubscriber[int]{}
	sub2 := &recordingSubscriber[int]{}

	require.NoError(t, s.Subscribe(sub1, nil))
	err := s.Subscribe(sub2, nil)
	require.Error(t, err)
	_, sub2Err, _ := sub2.snapshot()
	assert.Error(t, sub2Err)
}

func TestAbortBeforeSubscribeFailsWithAbortedStream(t *testing.T) {
	s := New[int]()
	s.Abort()

	sub := &recordingSubscriber[int]{}
	err := s.Subscribe(sub, nil)
	assert.ErrorIs(t, err, rpcerrors.ErrAbortedStream)
	_, subErr, _ := sub.snapshot()
	assert.ErrorIs(t, subErr, rpcerrors.ErrAbortedStream)
}

func TestCloseDeliversOnCompleteOnlyAfterDrain(t *testing.T) {
	s := New[int]()
	sub := &recordingSubscriber[int]{}
	require.NoError(t, s.Subscribe(sub, nil))

	require.True(t, s.TryWrite(1))
	s.Close()
	_, _, completedBeforeDemand := sub.snapshot()
	assert.False(t, completedBeforeDemand)

	sub.sub.Request(1)
	next, _, completed := sub.snapshot()
	assert.Equal(t, []int{1}, next)
	assert.True(t, completed)
	<-s.Done()
	assert.NoError(t, s.Err())
}

func TestCloseWithCauseDeliversOnError(t *testing.T) {
	s := New[int]()
	sub := &recordingSubscriber[int]{}
	require.NoError(t, s.Subscribe(sub, nil))
	sub.sub.Request(5)

	cause := errors.New("boom")
	s.CloseWithCause(cause)

	_, err, _ := sub.snapshot()
	assert.ErrorIs(t, err, cause)
	<-s.Done()
	assert.ErrorIs(t, s.Err(), cause)
}

func TestOnDemandRunsInOrderWithWrites(t *testing.T) {
	s := New[int]()
	sub := &recordingSubscriber[int]{}
	require.NoError(t, s.Subscribe(sub, nil))

	var ranTask bool
	require.True(t, s.TryWrite(1))
	require.NoError(t, s.OnDemand(func() { ranTask = true }))
	require.True(t, s.TryWrite(2))

	sub.sub.Request(3)
	next, _, _ := sub.snapshot()
	assert.Equal(t, []int{1, 2}, next)
	assert.True(t, ranTask)
}

type fakeBuffer struct {
	released bool
}

func (f *fakeBuffer) Release() { f.released = true }

func TestCancelDrainsAndReleasesQueuedElements(t *testing.T) {
	s := New[*fakeBuffer]()
	sub := &recordingSubscriber[*fakeBuffer]{}
	require.NoError(t, s.Subscribe(sub, nil))

	buf := &fakeBuffer{}
	require.True(t, s.TryWrite(buf))

	sub.sub.Cancel()
	assert.True(t, buf.released)
}

func TestTryWriteAfterCloseReleasesDiscardedElement(t *testing.T) {
	s := New[*fakeBuffer]()
	s.Close()

	buf := &fakeBuffer{}
	assert.False(t, s.TryWrite(buf))
	assert.True(t, buf.released)
}

func TestDeliveredElementReleasedInDefaultMode(t *testing.T) {
	s := New[*fakeBuffer]()
	sub := &recordingSubscriber[*fakeBuffer]{}
	require.NoError(t, s.Subscribe(sub, nil))

	buf := &fakeBuffer{}
	require.True(t, s.TryWrite(buf))
	sub.sub.Request(1)

	next, _, _ := sub.snapshot()
	assert.Equal(t, []*fakeBuffer{buf}, next)
	assert.True(t, buf.released, "default mode retains ownership and releases after delivery")
}

func TestDeliveredElementNotReleasedWithPooledObjects(t *testing.T) {
	s := New[*fakeBuffer]()
	sub := &recordingSubscriber[*fakeBuffer]{}
	require.NoError(t, s.Subscribe(sub, nil, WithPooledObjects()))

	buf := &fakeBuffer{}
	require.True(t, s.TryWrite(buf))
	sub.sub.Request(1)

	next, _, _ := sub.snapshot()
	assert.Equal(t, []*fakeBuffer{buf}, next)
	assert.False(t, buf.released, "WithPooledObjects transfers ownership to the subscriber")
}

func TestCancelNotifiesWhenOptionSet(t *testing.T) {
	s := New[int]()
	sub := &recordingSubscriber[int]{}
	require.NoError(t, s.Subscribe(sub, nil, WithNotifyCancellation()))

	sub.sub.Cancel()
	_, err, _ := sub.snapshot()
	assert.ErrorIs(t, err, rpcerrors.ErrCancelledSubscription)
}

func TestCancelSilentWithoutOption(t *testing.T) {
	s := New[int]()
	sub := &recordingSubscriber[int]{}
	require.NoError(t, s.Subscribe(sub, nil))

	sub.sub.Cancel()
	_, err, completed := sub.snapshot()
	assert.NoError(t, err)
	assert.False(t, completed)
}

// reentrantSubscriber requests one more element from inside OnNext.
type reentrantSubscriber struct {
	recordingSubscriber[int]
}

func (r *reentrantSubscriber) OnNext(v int) {
	r.recordingSubscriber.OnNext(v)
	r.sub.Request(1)
}

func TestReentrantRequestDuringOnNextDoesNotDeadlock(t *testing.T) {
	s := New[int]()
	done := make(chan struct{})
	var subRef Subscription
	sub := &reentrantSubscriber{}

	require.NoError(t, s.Subscribe(sub, nil))
	subRef = sub.sub

	require.True(t, s.TryWrite(1))
	require.True(t, s.TryWrite(2))

	go func() {
		subRef.Request(1)
		close(done)
	}()
	<-done

	next, _, _ := sub.snapshot()
	assert.Contains(t, next, 1)
}

func TestFixedVariants(t *testing.T) {
	zero := Zero[int]()
	zeroSub := &recordingSubscriber[int]{}
	require.NoError(t, zero.Subscribe(zeroSub, nil))
	zeroSub.sub.Request(10)
	next, _, completed := zeroSub.snapshot()
	assert.Empty(t, next)
	assert.True(t, completed)

	one := One(42)
	oneSub := &recordingSubscriber[int]{}
	require.NoError(t, one.Subscribe(oneSub, nil))
	oneSub.sub.Request(10)
	next, _, completed = oneSub.snapshot()
	assert.Equal(t, []int{42}, next)
	assert.True(t, completed)

	n := N(1, 2, 3)
	nSub := &recordingSubscriber[int]{}
	require.NoError(t, n.Subscribe(nSub, nil))
	nSub.sub.Request(10)
	next, _, completed = nSub.snapshot()
	assert.Equal(t, []int{1, 2, 3}, next)
	assert.True(t, completed)
}
