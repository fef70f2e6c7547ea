// Copyright 2026 The Outline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stack

import (
	"context"
	"log/slog"
	"math/rand"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/Jigsaw-Code/outline-netstack/engine"
	"github.com/Jigsaw-Code/outline-netstack/engine/enginetest"
	"github.com/Jigsaw-Code/outline-netstack/network"
	"github.com/Jigsaw-Code/outline-netstack/network/memport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testRemote = netip.MustParseAddrPort("10.0.0.1:5000")

func newTestStack(t *testing.T, port network.Port, eng engine.Engine, capacity map[engine.Kind]int) *Stack {
	st, err := New(port, eng, Config{Capacity: capacity}, WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)
	return st
}

// runStack runs st until the test ends.
func runStack(t *testing.T, st *Stack) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- st.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	})
	require.Eventually(t, func() bool { return st.Stats().Polls > 0 }, time.Second, time.Millisecond)
}

func newMockStack(t *testing.T, capacity int) (*Stack, *enginetest.Engine, *memport.Port) {
	port, err := memport.New()
	require.NoError(t, err)
	eng := enginetest.New()
	st := newTestStack(t, port, eng, map[engine.Kind]int{engine.KindDatagram: capacity})
	runStack(t, st)
	return st, eng, port
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNewValidation(t *testing.T) {
	port, err := memport.New()
	require.NoError(t, err)
	_, err = New(nil, enginetest.New(), Config{Capacity: map[engine.Kind]int{engine.KindDatagram: 1}})
	require.Error(t, err)
	_, err = New(port, nil, Config{Capacity: map[engine.Kind]int{engine.KindDatagram: 1}})
	require.Error(t, err)
	_, err = New(port, enginetest.New(), Config{})
	require.Error(t, err)
}

func TestRunTwiceFails(t *testing.T) {
	st, _, _ := newMockStack(t, 1)
	err := st.Run(context.Background())
	require.ErrorIs(t, err, ErrRunnerActive)
}

func TestRunnerHonorsEngineDeadline(t *testing.T) {
	port, err := memport.New()
	require.NoError(t, err)
	eng := enginetest.New()
	start := time.Now()
	deadline := start.Add(100 * time.Millisecond)
	eng.SetNextDeadline(deadline, true)
	st := newTestStack(t, port, eng, map[engine.Kind]int{engine.KindDatagram: 1})
	runStack(t, st)

	require.Eventually(t, func() bool { return eng.PollCount() >= 2 }, time.Second, time.Millisecond)
	eng.SetNextDeadline(time.Time{}, false)

	polls := eng.Polls()
	assert.True(t, polls[0].Before(deadline))
	assert.False(t, polls[1].Before(deadline), "polled again before the deadline")
	assert.Less(t, polls[1].Sub(deadline), 100*time.Millisecond, "slept far past the deadline")
}

func TestRunnerWithoutDeadlineWaitsForEvents(t *testing.T) {
	st, eng, port := newMockStack(t, 1)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, eng.PollCount(), "no deadline and no events means no polls")

	require.NoError(t, port.Inject([]byte{1}))
	require.Eventually(t, func() bool { return eng.FramesReceived() == 1 }, time.Second, time.Millisecond)

	polls := eng.PollCount()
	st.WithEngine(func(engine.Engine) {})
	require.Eventually(t, func() bool { return eng.PollCount() > polls }, time.Second, time.Millisecond)
}

func TestRunnerPollsUntilPortDrained(t *testing.T) {
	port, err := memport.New(memport.WithReceiveQueueSize(8))
	require.NoError(t, err)
	eng := &batchEngine{Engine: enginetest.New()}
	st := newTestStack(t, port, eng, map[engine.Kind]int{engine.KindDatagram: 1})
	for i := 0; i < 5; i++ {
		require.NoError(t, port.Inject([]byte{byte(i)}))
	}
	runStack(t, st)
	require.Eventually(t, func() bool { return !port.CanReceive() }, time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, st.Stats().Polls, uint64(5))
}

// batchEngine takes at most one frame per Poll.
type batchEngine struct {
	*enginetest.Engine
}

func (e *batchEngine) Poll(now time.Time, port network.Port) (time.Time, bool) {
	port.TryReceive()
	return time.Time{}, false
}

func TestOpenExhaustionAndReclaim(t *testing.T) {
	const k = 3
	st, eng, _ := newMockStack(t, k)
	var socks []*Socket
	for i := 0; i < k; i++ {
		s, err := st.Open(engine.KindDatagram)
		require.NoError(t, err)
		socks = append(socks, s)
	}
	_, err := st.Open(engine.KindDatagram)
	require.ErrorIs(t, err, ErrResourceExhausted)
	assert.Equal(t, uint64(1), st.Stats().ResourceExhausted)
	assert.Equal(t, 0, st.Free(engine.KindDatagram))

	old := socks[0].Handle()
	socks[0].Abort()
	assert.Equal(t, 1, st.Free(engine.KindDatagram))
	assert.False(t, eng.IsOpen(old))

	s, err := st.Open(engine.KindDatagram)
	require.NoError(t, err)
	assert.Equal(t, old.Index, s.Handle().Index)
	assert.NotEqual(t, old.Gen, s.Handle().Gen)
	assert.Equal(t, k, st.Capacity(engine.KindDatagram))
}

func TestReceiveBlocksUntilDelivered(t *testing.T) {
	st, eng, _ := newMockStack(t, 1)
	ctx := testContext(t)
	sock, err := st.Open(engine.KindDatagram)
	require.NoError(t, err)
	assert.Equal(t, OpIdle, sock.State())

	type result struct {
		n    int
		from netip.AddrPort
		err  error
	}
	done := make(chan result, 1)
	buf := make([]byte, 16)
	go func() {
		n, from, err := sock.Receive(ctx, buf)
		done <- result{n, from, err}
	}()
	require.Eventually(t, func() bool { return sock.State() == OpSuspended }, time.Second, time.Millisecond)

	eng.Deliver(sock.Handle(), []byte("hi"), testRemote)
	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, "hi", string(buf[:r.n]))
	assert.Equal(t, testRemote, r.from)
	assert.Equal(t, OpComplete, sock.State())
}

func TestSpuriousWakeRechecks(t *testing.T) {
	st, eng, _ := newMockStack(t, 1)
	ctx := testContext(t)
	sock, err := st.Open(engine.KindDatagram)
	require.NoError(t, err)

	done := make(chan error, 1)
	buf := make([]byte, 16)
	var n int
	go func() {
		var err error
		n, _, err = sock.Receive(ctx, buf)
		done <- err
	}()
	require.Eventually(t, func() bool { return sock.State() == OpSuspended }, time.Second, time.Millisecond)

	calls := eng.Calls()
	st.mu.Lock()
	sock.wakeAllLocked()
	st.mu.Unlock()
	require.Eventually(t, func() bool { return eng.Calls() > calls && sock.State() == OpSuspended }, time.Second, time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("Receive returned after a spurious wake: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	eng.Deliver(sock.Handle(), []byte("once"), testRemote)
	require.NoError(t, <-done)
	assert.Equal(t, "once", string(buf[:n]))
}

func TestSendAndReceiveConcurrently(t *testing.T) {
	st, eng, _ := newMockStack(t, 1)
	ctx := testContext(t)
	sock, err := st.Open(engine.KindDatagram)
	require.NoError(t, err)
	require.NoError(t, sock.Connect(ctx, testRemote))
	eng.SetSendLimit(sock.Handle(), 1)

	recvDone := make(chan error, 1)
	go func() {
		_, _, err := sock.Receive(ctx, make([]byte, 8))
		recvDone <- err
	}()

	_, err = sock.Send(ctx, []byte("1"))
	require.NoError(t, err)
	sendDone := make(chan error, 1)
	go func() {
		_, err := sock.Send(ctx, []byte("2"))
		sendDone <- err
	}()

	require.Eventually(t, func() bool { return sock.State() == OpSuspended }, time.Second, time.Millisecond)
	select {
	case err := <-sendDone:
		t.Fatalf("Send returned with a full send buffer: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, [][]byte{[]byte("1")}, eng.Sent(sock.Handle()))
	require.NoError(t, <-sendDone)
	assert.Equal(t, [][]byte{[]byte("2")}, eng.Sent(sock.Handle()))

	eng.Deliver(sock.Handle(), []byte("r"), testRemote)
	require.NoError(t, <-recvDone)
}

func registeredInterest(st *Stack, sock *Socket) Interest {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.reg.slots[sock.Handle().Index].interest
}

func TestLeavingWaiterNarrowsRegistration(t *testing.T) {
	st, eng, _ := newMockStack(t, 1)
	ctx := testContext(t)
	sock, err := st.Open(engine.KindDatagram)
	require.NoError(t, err)
	eng.SetReadiness(sock.Handle(), 0)

	connectDone := make(chan error, 1)
	go func() { connectDone <- sock.Connect(ctx, testRemote) }()
	recvCtx, cancelRecv := context.WithCancel(ctx)
	recvDone := make(chan error, 1)
	go func() {
		_, _, err := sock.Receive(recvCtx, make([]byte, 8))
		recvDone <- err
	}()
	require.Eventually(t, func() bool { return registeredInterest(st, sock) == Readable|Writable|Closed },
		time.Second, time.Millisecond)

	cancelRecv()
	require.ErrorIs(t, <-recvDone, context.Canceled)
	assert.Equal(t, Writable|Closed, registeredInterest(st, sock))

	eng.SetReadiness(sock.Handle(), engine.Writable)
	require.NoError(t, <-connectDone)
	assert.Zero(t, registeredInterest(st, sock))
}

func TestConnectWaitsForWritable(t *testing.T) {
	st, eng, _ := newMockStack(t, 1)
	ctx := testContext(t)
	sock, err := st.Open(engine.KindDatagram)
	require.NoError(t, err)
	eng.SetReadiness(sock.Handle(), 0)

	done := make(chan error, 1)
	go func() { done <- sock.Connect(ctx, testRemote) }()
	require.Eventually(t, func() bool { return sock.State() == OpSuspended }, time.Second, time.Millisecond)
	eng.SetReadiness(sock.Handle(), engine.Writable)
	require.NoError(t, <-done)
}

func TestTimeoutClearsRegistration(t *testing.T) {
	st, _, _ := newMockStack(t, 1)
	sock, err := st.Open(engine.KindDatagram, WithTimeout(30*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Millisecond, sock.Timeout())

	start := time.Now()
	_, _, err = sock.Receive(context.Background(), make([]byte, 8))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	st.mu.Lock()
	assert.Nil(t, st.reg.slots[sock.Handle().Index].waker)
	st.mu.Unlock()

	sock.SetTimeout(-time.Second)
	assert.Zero(t, sock.Timeout())
}

func TestAbortUnblocksOperations(t *testing.T) {
	st, eng, _ := newMockStack(t, 1)
	ctx := testContext(t)
	sock, err := st.Open(engine.KindDatagram)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, _, err := sock.Receive(ctx, make([]byte, 8))
		done <- err
	}()
	require.Eventually(t, func() bool { return sock.State() == OpSuspended }, time.Second, time.Millisecond)
	h := sock.Handle()
	sock.Abort()
	require.ErrorIs(t, <-done, network.ErrClosed)
	assert.Equal(t, []engine.Handle{h}, eng.Aborted())
	assert.Equal(t, 1, st.Free(engine.KindDatagram))

	_, err = sock.Send(ctx, []byte("x"))
	require.ErrorIs(t, err, network.ErrClosed)
	assert.Equal(t, engine.Closed, sock.Readiness())
	require.NoError(t, sock.Close(ctx))
	sock.Abort()
}

func TestCloseIsGraceful(t *testing.T) {
	st, eng, _ := newMockStack(t, 1)
	ctx := testContext(t)
	sock, err := st.Open(engine.KindDatagram)
	require.NoError(t, err)
	h := sock.Handle()

	done := make(chan error, 1)
	go func() { done <- sock.Close(ctx) }()
	require.Eventually(t, func() bool { return sock.State() == OpSuspended }, time.Second, time.Millisecond)
	assert.True(t, eng.IsOpen(h), "the slot is kept until the engine reports the socket closed")

	eng.SetReadiness(h, engine.Closed)
	require.NoError(t, <-done)
	assert.False(t, eng.IsOpen(h))
	assert.Equal(t, 1, st.Free(engine.KindDatagram))
}

func TestCloseAbortsWhenContextEnds(t *testing.T) {
	st, eng, _ := newMockStack(t, 1)
	sock, err := st.Open(engine.KindDatagram)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, sock.Close(ctx), context.DeadlineExceeded)
	assert.False(t, eng.IsOpen(sock.Handle()))
	assert.Equal(t, 1, st.Free(engine.KindDatagram))
}

func TestLinkDown(t *testing.T) {
	st, _, port := newMockStack(t, 2)
	ctx := testContext(t)
	failing, err := st.Open(engine.KindDatagram, FailOnLinkDown())
	require.NoError(t, err)
	waiting, err := st.Open(engine.KindDatagram)
	require.NoError(t, err)
	require.NoError(t, st.WaitLinkUp(ctx))

	failDone := make(chan error, 1)
	go func() {
		_, _, err := failing.Receive(ctx, make([]byte, 8))
		failDone <- err
	}()
	waitDone := make(chan error, 1)
	waitCtx, cancelWait := context.WithCancel(ctx)
	defer cancelWait()
	go func() {
		_, _, err := waiting.Receive(waitCtx, make([]byte, 8))
		waitDone <- err
	}()
	require.Eventually(t, func() bool {
		return failing.State() == OpSuspended && waiting.State() == OpSuspended
	}, time.Second, time.Millisecond)

	port.SetLinkUp(false)
	require.ErrorIs(t, <-failDone, network.ErrLinkDown)
	assert.False(t, st.IsLinkUp())
	assert.Equal(t, uint64(1), st.Stats().LinkDownEvents)
	assert.NotZero(t, waiting.Readiness()&engine.LinkDown)

	select {
	case err := <-waitDone:
		t.Fatalf("socket without FailOnLinkDown returned %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	linkUp := make(chan error, 1)
	go func() { linkUp <- st.WaitLinkUp(ctx) }()
	port.SetLinkUp(true)
	require.NoError(t, <-linkUp)
	assert.True(t, st.IsLinkUp())

	cancelWait()
	require.ErrorIs(t, <-waitDone, context.Canceled)
}

func TestWaitConfigUp(t *testing.T) {
	st, eng, _ := newMockStack(t, 1)
	ctx := testContext(t)
	assert.False(t, st.IsConfigUp())

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, st.WaitConfigUp(short), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- st.WaitConfigUp(ctx) }()
	eng.SetConfigUp(true)
	require.NoError(t, <-done)
	assert.True(t, st.IsConfigUp())
}

func TestTransmitErrorsAreCounted(t *testing.T) {
	port, err := memport.New()
	require.NoError(t, err)
	port.SetTransmitBlocked(true)
	eng := &transmitEngine{Engine: enginetest.New()}
	st := newTestStack(t, port, eng, map[engine.Kind]int{engine.KindDatagram: 1})
	runStack(t, st)
	assert.NotZero(t, st.Stats().TransmitErrors)
}

// transmitEngine tries to send one frame per Poll.
type transmitEngine struct {
	*enginetest.Engine
}

func (e *transmitEngine) Poll(now time.Time, port network.Port) (time.Time, bool) {
	port.TryTransmit([]byte{0x45})
	return time.Time{}, false
}

// Many goroutines hammer sockets while the runner polls. The engine counts any overlapping calls.
func TestEngineCallsNeverOverlap(t *testing.T) {
	const workers = 8
	port, err := memport.New()
	require.NoError(t, err)
	eng := enginetest.New()
	eng.PollDelay = 50 * time.Microsecond
	st := newTestStack(t, port, eng, map[engine.Kind]int{engine.KindDatagram: workers})
	runStack(t, st)

	ctx := testContext(t)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				sock, err := st.Open(engine.KindDatagram)
				if !assert.NoError(t, err) {
					return
				}
				_, err = sock.SendTo(ctx, []byte("x"), testRemote)
				assert.NoError(t, err)
				eng.Deliver(sock.Handle(), []byte("y"), testRemote)
				_, _, err = sock.Receive(ctx, make([]byte, 4))
				assert.NoError(t, err)
				sock.LocalAddr()
				sock.Abort()
			}
		}()
	}
	go func() {
		for ctx.Err() == nil {
			_ = port.Inject([]byte{1})
			time.Sleep(100 * time.Microsecond)
		}
	}()
	wg.Wait()
	assert.Zero(t, eng.Violations())
	assert.Positive(t, eng.Calls())
}

// Sockets block in Receive while messages arrive in random order. Every message must be received.
func TestEveryDeliveryWakesItsReceiver(t *testing.T) {
	const (
		sockets  = 6
		messages = 40
	)
	st, eng, _ := newMockStack(t, sockets)
	ctx := testContext(t)

	var socks []*Socket
	for i := 0; i < sockets; i++ {
		s, err := st.Open(engine.KindDatagram)
		require.NoError(t, err)
		socks = append(socks, s)
	}

	var wg sync.WaitGroup
	counts := make([]int, sockets)
	for i, s := range socks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, 8)
			for counts[i] < messages {
				if _, _, err := s.Receive(ctx, buf); !assert.NoError(t, err) {
					return
				}
				counts[i]++
			}
		}()
	}

	order := make([]int, 0, sockets*messages)
	for i := 0; i < sockets; i++ {
		for j := 0; j < messages; j++ {
			order = append(order, i)
		}
	}
	rng := rand.New(rand.NewSource(7))
	rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	for _, i := range order {
		eng.Deliver(socks[i].Handle(), []byte{byte(i)}, testRemote)
		if i%3 == 0 {
			time.Sleep(50 * time.Microsecond)
		}
	}
	wg.Wait()
	for i := range counts {
		assert.Equal(t, messages, counts[i])
	}
}
