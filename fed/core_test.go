package fed

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/federation-sim/federation-sim/fed/vtime"
	"github.com/federation-sim/federation-sim/fed/wire"
)

// newTestCore starts a root core expecting minFederates federates.
func newTestCore(t *testing.T, minFederates int) *Core {
	t.Helper()
	core := NewCore(BrokerConfig{
		Name:         "test-core",
		MinFederates: minFederates,
		MinBrokers:   1,
		Root:         true,
	})
	require.NoError(t, core.Start())
	t.Cleanup(core.Stop)
	return core
}

// registerFederate registers a federate and fails the test on error.
func registerFederate(t *testing.T, c *Core, name string, info FederateInfo) FederateID {
	t.Helper()
	id, err := c.RegisterFederate(name, info)
	require.NoError(t, err)
	return id
}

// enterExecuting drives both lifecycle barriers for a set of federates
// concurrently, since each blocks until all arrive.
func enterExecuting(t *testing.T, c *Core, ids ...FederateID) {
	t.Helper()
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id FederateID) {
			defer wg.Done()
			assert.NoError(t, c.EnterInitializingState(id))
			assert.NoError(t, c.EnterExecutingState(id))
		}(id)
	}
	wg.Wait()
}

// requestTimes issues concurrent time requests and returns the grants.
func requestTimes(t *testing.T, c *Core, req vtime.Time, ids ...FederateID) map[FederateID]vtime.Time {
	t.Helper()
	var mu sync.Mutex
	var wg sync.WaitGroup
	grants := make(map[FederateID]vtime.Time, len(ids))
	for _, id := range ids {
		wg.Add(1)
		go func(id FederateID) {
			defer wg.Done()
			granted, err := c.TimeRequest(id, req)
			assert.NoError(t, err)
			mu.Lock()
			grants[id] = granted
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return grants
}

func TestTwoFederatePing(t *testing.T) {
	// GIVEN federates A and B with time_delta = 1 ns, look_ahead = 1 ns
	c := newTestCore(t, 2)
	info := FederateInfo{TimeDelta: 1, LookAhead: 1}
	a := registerFederate(t, c, "A", info)
	b := registerFederate(t, c, "B", info)

	epA, err := c.RegisterEndpoint(a, "a", "raw")
	require.NoError(t, err)
	_, err = c.RegisterEndpoint(b, "b", "raw")
	require.NoError(t, err)

	enterExecuting(t, c, a, b)

	// WHEN A sends "hello" from "a" to "b" at t=0 and both request time 5
	require.NoError(t, c.Send(a, epA, "b", []byte("hello")))
	grants := requestTimes(t, c, 5, a, b)

	// THEN both are granted 5 ns and B holds one message stamped 1 ns
	assert.Equal(t, vtime.Time(5), grants[a])
	assert.Equal(t, vtime.Time(5), grants[b])

	n, err := c.ReceiveCountAny(b)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	idx, msg, err := c.ReceiveAny(b)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, int32(0), idx)
	assert.Equal(t, "hello", string(msg.Data))
	assert.Equal(t, vtime.Time(1), msg.Time)
	assert.Equal(t, "a", msg.Source)
	assert.Equal(t, "b", msg.Destination)
}

func TestLookAheadViolation(t *testing.T) {
	// GIVEN a federate with look_ahead = 2 advanced to granted time 3
	c := newTestCore(t, 1)
	f := registerFederate(t, c, "solo", FederateInfo{TimeDelta: 1, LookAhead: 2})
	ep, err := c.RegisterEndpoint(f, "out", "raw")
	require.NoError(t, err)
	enterExecuting(t, c, f)

	granted, err := c.TimeRequest(f, 3)
	require.NoError(t, err)
	require.Equal(t, vtime.Time(3), granted)

	// WHEN it sends with explicit timestamp 4, inside granted+look_ahead=5
	err = c.SendEvent(f, 4, ep, "elsewhere", []byte("x"))

	// THEN the send fails with look-ahead-violation and nothing is queued
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, ErrLookAheadViolation, kind)
	n, err := c.ReceiveCountAny(f)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPubSubPropagation(t *testing.T) {
	// GIVEN A publishing p1 (double, m) and B subscribing to it
	c := newTestCore(t, 2)
	a := registerFederate(t, c, "A", FederateInfo{})
	b := registerFederate(t, c, "B", FederateInfo{})

	_, err := c.RegisterPublication(a, "p1", "double", "m")
	require.NoError(t, err)
	subIdx, err := c.RegisterSubscription(b, "p1", "double", "m", false)
	require.NoError(t, err)
	_ = subIdx

	pubHandle, err := c.GetPublication("p1")
	require.NoError(t, err)
	subHandle, err := c.GetSubscription(b, "p1")
	require.NoError(t, err)

	enterExecuting(t, c, a, b)

	// WHEN A sets a value at granted time 0 and both advance to 1
	require.NoError(t, c.SetValue(pubHandle, []byte("3.14")))
	grants := requestTimes(t, c, 1, a, b)
	require.Equal(t, vtime.Time(1), grants[b])

	// THEN B sees the subscription handle in its value updates and can
	// read the value; no message is synthesized without a linked endpoint
	updates, err := c.GetValueUpdates(b)
	require.NoError(t, err)
	assert.Equal(t, []HandleID{subHandle}, updates)

	v, err := c.GetValue(subHandle)
	require.NoError(t, err)
	assert.Equal(t, "3.14", string(v))

	n, err := c.ReceiveCountAny(b)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPubSubLinkedEndpointSynthesizesMessage(t *testing.T) {
	c := newTestCore(t, 2)
	a := registerFederate(t, c, "A", FederateInfo{})
	b := registerFederate(t, c, "B", FederateInfo{})

	_, err := c.RegisterPublication(a, "p1", "double", "m")
	require.NoError(t, err)
	subIdx, err := c.RegisterSubscription(b, "p1", "double", "m", false)
	require.NoError(t, err)
	epIdx, err := c.RegisterEndpoint(b, "sink", "raw")
	require.NoError(t, err)
	require.NoError(t, c.LinkSubscription(b, subIdx, epIdx))

	pubHandle, err := c.GetPublication("p1")
	require.NoError(t, err)

	enterExecuting(t, c, a, b)
	require.NoError(t, c.SetValue(pubHandle, []byte("2.71")))
	requestTimes(t, c, 1, a, b)

	msg, err := c.Receive(b, epIdx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "p1", msg.Source)
	assert.Equal(t, "p1", msg.OriginalSource)
	assert.Equal(t, "sink", msg.Destination)
	assert.Equal(t, "2.71", string(msg.Data))
}

func TestPublicationNameCollision(t *testing.T) {
	// GIVEN two federates competing for publication name "x"
	c := newTestCore(t, 2)
	a := registerFederate(t, c, "A", FederateInfo{})
	b := registerFederate(t, c, "B", FederateInfo{})

	_, err := c.RegisterPublication(a, "x", "double", "")
	require.NoError(t, err)

	// WHEN the second federate registers the same name
	_, err = c.RegisterPublication(b, "x", "double", "")

	// THEN the registration fails with name-in-use
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, ErrNameInUse, kind)
}

func TestIterativeConvergence(t *testing.T) {
	// GIVEN two executing federates
	c := newTestCore(t, 2)
	a := registerFederate(t, c, "A", FederateInfo{})
	b := registerFederate(t, c, "B", FederateInfo{})
	enterExecuting(t, c, a, b)

	iterate := func(converged bool) map[FederateID]struct {
		t    vtime.Time
		conv bool
	} {
		var mu sync.Mutex
		var wg sync.WaitGroup
		out := make(map[FederateID]struct {
			t    vtime.Time
			conv bool
		})
		for _, id := range []FederateID{a, b} {
			wg.Add(1)
			go func(id FederateID) {
				defer wg.Done()
				granted, conv, err := c.RequestTimeIterative(id, 2, converged)
				assert.NoError(t, err)
				mu.Lock()
				out[id] = struct {
					t    vtime.Time
					conv bool
				}{granted, conv}
				mu.Unlock()
			}(id)
		}
		wg.Wait()
		return out
	}

	// WHEN both request time 2 without convergence, then with it
	first := iterate(false)
	assert.Equal(t, vtime.Time(2), first[a].t)
	assert.False(t, first[a].conv)
	assert.False(t, first[b].conv)

	second := iterate(true)

	// THEN the second round converges at the same time with the
	// iteration counter advanced exactly once
	assert.Equal(t, vtime.Time(2), second[a].t)
	assert.True(t, second[a].conv)
	assert.True(t, second[b].conv)

	iter, err := c.GetCurrentReiteration(a)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), iter)
}

func TestRegistryFreezeAfterExecuting(t *testing.T) {
	c := newTestCore(t, 1)
	f := registerFederate(t, c, "solo", FederateInfo{})
	_, err := c.RegisterEndpoint(f, "early", "raw")
	require.NoError(t, err)
	enterExecuting(t, c, f)

	_, err = c.RegisterEndpoint(f, "late", "raw")
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, ErrFrozen, kind)

	_, err = c.RegisterPublication(f, "late-pub", "double", "")
	kind, _ = KindOf(err)
	assert.Equal(t, ErrFrozen, kind)

	_, err = c.RegisterFederate("late-fed", FederateInfo{})
	kind, _ = KindOf(err)
	assert.Equal(t, ErrFrozen, kind)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	c := newTestCore(t, 1)
	f := registerFederate(t, c, "solo", FederateInfo{})
	enterExecuting(t, c, f)

	require.NoError(t, c.Finalize(f))
	phase := c.fedByID[f].Phase()
	require.NoError(t, c.Finalize(f))
	assert.Equal(t, phase, c.fedByID[f].Phase())
	assert.Equal(t, PhaseFinalized, phase)
}

func TestEndpointNameRoundTrip(t *testing.T) {
	c := newTestCore(t, 1)
	f := registerFederate(t, c, "solo", FederateInfo{})

	idx, err := c.RegisterEndpoint(f, "telemetry", "json")
	require.NoError(t, err)

	gotIdx, err := c.GetEndpointID(f, "telemetry")
	require.NoError(t, err)
	assert.Equal(t, idx, gotIdx)

	name, err := c.GetEndpointName(f, idx)
	require.NoError(t, err)
	assert.Equal(t, "telemetry", name)

	typ, err := c.GetEndpointType(f, idx)
	require.NoError(t, err)
	assert.Equal(t, "json", typ)

	n, err := c.GetEndpointCount(f)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestGrantedTimeMonotonic(t *testing.T) {
	c := newTestCore(t, 1)
	f := registerFederate(t, c, "solo", FederateInfo{TimeDelta: 1})
	enterExecuting(t, c, f)

	prev := vtime.Zero
	for _, req := range []vtime.Time{1, 3, 3, 10} {
		granted, err := c.TimeRequest(f, req)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, int64(granted), int64(prev))
		prev = granted
	}
}

func TestMessageOrderingPerPair(t *testing.T) {
	// GIVEN messages m1 sent before m2 between one endpoint pair
	c := newTestCore(t, 2)
	a := registerFederate(t, c, "A", FederateInfo{TimeDelta: 1, LookAhead: 1})
	b := registerFederate(t, c, "B", FederateInfo{TimeDelta: 1, LookAhead: 1})
	epA, err := c.RegisterEndpoint(a, "a", "raw")
	require.NoError(t, err)
	epB, err := c.RegisterEndpoint(b, "b", "raw")
	require.NoError(t, err)
	enterExecuting(t, c, a, b)

	require.NoError(t, c.Send(a, epA, "b", []byte("m1")))
	require.NoError(t, c.Send(a, epA, "b", []byte("m2")))
	requestTimes(t, c, 5, a, b)

	// THEN m1 is received before m2
	first, err := c.Receive(b, epB)
	require.NoError(t, err)
	require.NotNil(t, first)
	second, err := c.Receive(b, epB)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "m1", string(first.Data))
	assert.Equal(t, "m2", string(second.Data))
}

func TestUnknownDestinationIsDropped(t *testing.T) {
	c := newTestCore(t, 1)
	f := registerFederate(t, c, "solo", FederateInfo{TimeDelta: 1, LookAhead: 1})
	ep, err := c.RegisterEndpoint(f, "out", "raw")
	require.NoError(t, err)
	enterExecuting(t, c, f)

	// sending to a name nobody registered is reported, not fatal
	require.NoError(t, c.Send(f, ep, "nowhere", []byte("lost")))
	granted, err := c.TimeRequest(f, 2)
	require.NoError(t, err)
	assert.Equal(t, vtime.Time(2), granted)
}

func TestRouteHintDefersDelivery(t *testing.T) {
	// GIVEN a communications hint for an endpoint that registers late
	c := newTestCore(t, 2)
	a := registerFederate(t, c, "A", FederateInfo{TimeDelta: 1, LookAhead: 1})
	b := registerFederate(t, c, "B", FederateInfo{TimeDelta: 1, LookAhead: 1})
	_, err := c.RegisterEndpoint(a, "a", "raw")
	require.NoError(t, err)
	c.RegisterFrequentCommunicationsPair("a", "b-late")

	// WHEN a message addressed to the unregistered endpoint reaches the
	// router before the endpoint exists
	in := wire.NewAction(wire.CmdSendMessage)
	in.SourceID = int32(a)
	in.Payload = "b-late"
	in.Time = 1
	in.Data = wire.MarshalMessage(wire.Message{
		Source: "a", Destination: "b-late", OriginalSource: "a",
		Time: 1, Data: []byte("deferred"),
	})
	c.AddMessage(in)

	epB, err := c.RegisterEndpoint(b, "b-late", "raw")
	require.NoError(t, err)
	enterExecuting(t, c, a, b)
	requestTimes(t, c, 3, a, b)

	// THEN the held message is flushed once the endpoint registers
	msg, err := c.Receive(b, epB)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "deferred", string(msg.Data))
}

func TestErrorTerminatesFederation(t *testing.T) {
	c := newTestCore(t, 2)
	a := registerFederate(t, c, "A", FederateInfo{})
	b := registerFederate(t, c, "B", FederateInfo{})
	enterExecuting(t, c, a, b)

	// B reports a federation error; A's pending request returns with its
	// current granted time instead of blocking forever
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		granted, err := c.TimeRequest(a, 100)
		assert.NoError(t, err)
		assert.Equal(t, vtime.Zero, granted)
	}()
	require.NoError(t, c.Error(b, 3))
	wg.Wait()

	assert.Equal(t, PhaseError, c.fedByID[a].Phase())
	assert.Equal(t, PhaseError, c.fedByID[b].Phase())
}

func TestEndpointCallbackFires(t *testing.T) {
	c := newTestCore(t, 2)
	a := registerFederate(t, c, "A", FederateInfo{TimeDelta: 1, LookAhead: 1})
	b := registerFederate(t, c, "B", FederateInfo{TimeDelta: 1, LookAhead: 1})
	epA, err := c.RegisterEndpoint(a, "a", "raw")
	require.NoError(t, err)
	epB, err := c.RegisterEndpoint(b, "b", "raw")
	require.NoError(t, err)

	var mu sync.Mutex
	var fired []vtime.Time
	require.NoError(t, c.RegisterEndpointCallback(b, epB, func(index int32, tm vtime.Time) {
		mu.Lock()
		fired = append(fired, tm)
		mu.Unlock()
	}))

	enterExecuting(t, c, a, b)
	require.NoError(t, c.Send(a, epA, "b", []byte("ping")))
	requestTimes(t, c, 5, a, b)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, fired, 1)
	assert.Equal(t, vtime.Time(5), fired[0])
}

func TestSendMessagePreservesOriginalSource(t *testing.T) {
	c := newTestCore(t, 2)
	a := registerFederate(t, c, "A", FederateInfo{TimeDelta: 1, LookAhead: 1})
	b := registerFederate(t, c, "B", FederateInfo{TimeDelta: 1, LookAhead: 1})
	_, err := c.RegisterEndpoint(a, "a", "raw")
	require.NoError(t, err)
	epB, err := c.RegisterEndpoint(b, "b", "raw")
	require.NoError(t, err)
	enterExecuting(t, c, a, b)

	require.NoError(t, c.SendMessage(a, &wire.Message{
		Source:         "a",
		Destination:    "b",
		OriginalSource: "upstream",
		Time:           2,
		Data:           []byte("routed"),
	}))
	requestTimes(t, c, 5, a, b)

	msg, err := c.Receive(b, epB)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "upstream", msg.OriginalSource)
	assert.Equal(t, vtime.Time(2), msg.Time)
}

func TestFederateNameRoundTrip(t *testing.T) {
	c := newTestCore(t, 1)
	id := registerFederate(t, c, "roundtrip", FederateInfo{})

	got, err := c.GetFederateID("roundtrip")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	name, err := c.GetFederateName(id)
	require.NoError(t, err)
	assert.Equal(t, "roundtrip", name)

	_, err = c.GetFederateID("ghost")
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, ErrInvalidIdentifier, kind)
}

func TestIterationLimitSurfaces(t *testing.T) {
	c := newTestCore(t, 1)
	f := registerFederate(t, c, "solo", FederateInfo{MaxIterations: 1})
	enterExecuting(t, c, f)

	granted, conv, err := c.RequestTimeIterative(f, 1, false)
	require.NoError(t, err)
	assert.Equal(t, vtime.Time(1), granted)
	assert.False(t, conv)

	// the iteration bound is reached; the best-available time comes back
	// with an iteration-limit error
	_, _, err = c.RequestTimeIterative(f, 1, false)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, ErrIterationLimit, kind)
}
