package core

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/DanglingPointer/mstun/pkg/stun/definition"
	"github.com/DanglingPointer/mstun/pkg/stun/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type engineFixture struct {
	requestSender      RequestSender
	indicationSender   IndicationSender
	indicationReceiver IndicationReceiver
	processor          *Processor
	channels           types.MessageChannels
	runResult          chan error
}

func startEngine(t *testing.T, policy types.RtoPolicy) *engineFixture {
	t.Helper()
	channels := types.MessageChannels{
		EgressSink:    make(chan types.Packet, 10),
		IngressSource: make(chan types.Packet, 10),
	}
	conf := &types.TransactionConfiguration{
		MaxConcurrentRequests: 4,
		RtoPolicy:             policy,
		Logger:                definition.NewDefaultLogger(),
	}
	requestSender, indicationSender, indicationReceiver, processor, err := SetupTransactions(conf, channels)
	require.NoError(t, err)

	f := &engineFixture{
		requestSender:      requestSender,
		indicationSender:   indicationSender,
		indicationReceiver: indicationReceiver,
		processor:          processor,
		channels:           channels,
		runResult:          make(chan error, 1),
	}
	go func() {
		f.runResult <- processor.Run()
	}()
	return f
}

// shutdown closes both submission queues and waits for the run loop to
// drain.
func (f *engineFixture) shutdown(t *testing.T) error {
	t.Helper()
	f.requestSender.Close()
	f.indicationSender.Close()
	select {
	case err := <-f.runResult:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("processor did not shut down")
		return nil
	}
}

func (f *engineFixture) expectEgress(t *testing.T) types.Packet {
	t.Helper()
	select {
	case pkt := <-f.channels.EgressSink:
		return pkt
	case <-time.After(5 * time.Second):
		t.Fatal("no egress frame")
		return types.Packet{}
	}
}

type requestResult struct {
	response types.Response
	err      error
}

func sendRequestAsync(sender RequestSender, dest netip.AddrPort, method uint16, attributes []types.Tlv) chan requestResult {
	results := make(chan requestResult, 1)
	go func() {
		response, err := sender.SendRequest(context.Background(), dest, method, attributes)
		results <- requestResult{response: response, err: err}
	}()
	return results
}

func awaitResult(t *testing.T, results chan requestResult) requestResult {
	t.Helper()
	select {
	case result := <-results:
		return result
	case <-time.After(5 * time.Second):
		t.Fatal("request did not resolve")
		return requestResult{}
	}
}

func TestSendRequestHappyPath(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := startEngine(t, definition.NewNoRetransmissionsConstTimeout(time.Second))

	results := sendRequestAsync(f.requestSender, addr(1234), 0x0042, []types.Tlv{attribute()})

	pkt := f.expectEgress(t)
	assert.Equal(t, addr(1234), pkt.Addr)
	assert.Equal(t, types.ClassRequest, pkt.Message.Header.Class)
	assert.Equal(t, uint16(0x0042), pkt.Message.Header.Method)
	require.Len(t, pkt.Message.Attributes, 1)
	assert.True(t, pkt.Message.Attributes[0].Equal(attribute()))

	reply := types.NewResponse(0x0042, pkt.Message.Header.TransactionID, []types.Tlv{attribute()})
	f.channels.IngressSource <- types.Packet{Message: reply, Addr: addr(1234)}

	result := awaitResult(t, results)
	require.NoError(t, result.err)
	assert.True(t, result.response.Success)
	require.Len(t, result.response.Attributes, 1)
	assert.True(t, result.response.Attributes[0].Equal(attribute()))

	assert.NoError(t, f.shutdown(t))
}

func TestConcurrentRequestsOutOfOrderReplies(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := startEngine(t, definition.NewNoRetransmissionsConstTimeout(5*time.Second))

	firstResults := sendRequestAsync(f.requestSender, addr(1111), 0x0042, []types.Tlv{attribute()})
	secondResults := sendRequestAsync(f.requestSender, addr(2222), 0x0043, []types.Tlv{attribute()})

	frames := map[uint16]types.Packet{}
	for i := 0; i < 2; i++ {
		pkt := f.expectEgress(t)
		frames[pkt.Message.Header.Method] = pkt
	}
	require.Contains(t, frames, uint16(0x0042))
	require.Contains(t, frames, uint16(0x0043))
	assert.Equal(t, addr(1111), frames[0x0042].Addr)
	assert.Equal(t, addr(2222), frames[0x0043].Addr)

	// answer the second submitter first, as an error-class reply
	f.channels.IngressSource <- types.Packet{
		Message: types.NewError(0x0043, frames[0x0043].Message.Header.TransactionID, nil),
		Addr:    addr(2222),
	}
	second := awaitResult(t, secondResults)
	require.NoError(t, second.err)
	assert.False(t, second.response.Success)

	f.channels.IngressSource <- types.Packet{
		Message: types.NewResponse(0x0042, frames[0x0042].Message.Header.TransactionID, nil),
		Addr:    addr(1111),
	}
	first := awaitResult(t, firstResults)
	require.NoError(t, first.err)
	assert.True(t, first.response.Success)

	assert.NoError(t, f.shutdown(t))
}

func TestRequestTimesOutWithConstPolicy(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := startEngine(t, definition.NewNoRetransmissionsConstTimeout(100*time.Millisecond))

	started := time.Now()
	results := sendRequestAsync(f.requestSender, addr(1234), 0x0042, nil)
	f.expectEgress(t)

	result := awaitResult(t, results)
	assert.ErrorIs(t, result.err, types.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(started), 100*time.Millisecond)

	assert.NoError(t, f.shutdown(t))
}

func TestIndicationRoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := startEngine(t, definition.NewNoRetransmissionsConstTimeout(time.Second))

	require.NoError(t, f.indicationSender.SendIndication(
		context.Background(), addr(9), 0x0042, []types.Tlv{attribute()}))
	pkt := f.expectEgress(t)
	assert.Equal(t, types.ClassIndication, pkt.Message.Header.Class)
	assert.Equal(t, addr(9), pkt.Addr)

	inbound := types.NewIndication(0x0055, pkt.Message.Header.TransactionID, nil)
	f.channels.IngressSource <- types.Packet{Message: inbound, Addr: addr(10)}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	received, err := f.indicationReceiver.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, addr(10), received.PeerAddr)
	assert.Equal(t, uint16(0x0055), received.Method)

	assert.NoError(t, f.shutdown(t))
}

func TestIngressClosureFailsPendingRequests(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := startEngine(t, definition.NewNoRetransmissionsConstTimeout(5*time.Second))

	results := sendRequestAsync(f.requestSender, addr(1234), 0x0042, nil)
	f.expectEgress(t)

	close(f.channels.IngressSource)

	result := awaitResult(t, results)
	assert.ErrorIs(t, result.err, types.ErrChannelClosed)

	select {
	case err := <-f.runResult:
		assert.ErrorIs(t, err, types.ErrChannelClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("processor did not terminate")
	}
}

func TestStopFailsPendingRequests(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := startEngine(t, definition.NewNoRetransmissionsConstTimeout(5*time.Second))

	results := sendRequestAsync(f.requestSender, addr(1234), 0x0042, nil)
	f.expectEgress(t)

	f.processor.Stop()

	result := awaitResult(t, results)
	assert.ErrorIs(t, result.err, types.ErrChannelClosed)

	select {
	case err := <-f.runResult:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("processor did not terminate")
	}
}

func TestCleanShutdownWithNoActivity(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := startEngine(t, definition.NewNoRetransmissionsConstTimeout(time.Second))
	assert.NoError(t, f.shutdown(t))
}

func TestSubmissionAfterCloseIsRejected(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := startEngine(t, definition.NewNoRetransmissionsConstTimeout(time.Second))
	require.NoError(t, f.shutdown(t))

	_, err := f.requestSender.SendRequest(context.Background(), addr(1), 0x0042, nil)
	assert.ErrorIs(t, err, types.ErrChannelClosed)
	assert.ErrorIs(t, f.indicationSender.SendIndication(context.Background(), addr(1), 0x0042, nil),
		types.ErrChannelClosed)
}

func TestCallerCancellationDoesNotAbortTransaction(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := startEngine(t, definition.NewNoRetransmissionsConstTimeout(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan requestResult, 1)
	go func() {
		response, err := f.requestSender.SendRequest(ctx, addr(1234), 0x0042, nil)
		results <- requestResult{response: response, err: err}
	}()
	pkt := f.expectEgress(t)

	cancel()
	result := awaitResult(t, results)
	assert.ErrorIs(t, result.err, context.Canceled)

	// the transaction is still in flight and resolves internally
	f.channels.IngressSource <- types.Packet{
		Message: types.NewResponse(0x0042, pkt.Message.Header.TransactionID, nil),
		Addr:    addr(1234),
	}
	assert.NoError(t, f.shutdown(t))
}

func TestMetricsRegistration(t *testing.T) {
	defer goleak.VerifyNone(t)
	registry := prometheus.NewRegistry()
	channels := types.MessageChannels{
		EgressSink:    make(chan types.Packet, 10),
		IngressSource: make(chan types.Packet, 10),
	}
	conf := &types.TransactionConfiguration{
		MaxConcurrentRequests: 4,
		RtoPolicy:             definition.NewNoRetransmissionsConstTimeout(time.Second),
		Logger:                definition.NewDefaultLogger(),
		MetricsRegistry:       registry,
	}
	requestSender, indicationSender, _, processor, err := SetupTransactions(conf, channels)
	require.NoError(t, err)
	runResult := make(chan error, 1)
	go func() {
		runResult <- processor.Run()
	}()

	results := sendRequestAsync(requestSender, addr(1234), 0x0042, nil)
	pkt := <-channels.EgressSink
	channels.IngressSource <- types.Packet{
		Message: types.NewResponse(0x0042, pkt.Message.Header.TransactionID, nil),
		Addr:    addr(1234),
	}
	awaitResult(t, results)

	families, err := registry.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, family := range families {
		names[family.GetName()] = true
	}
	assert.True(t, names["stun_transactions_requests_sent_total"])
	assert.True(t, names["stun_transactions_round_trip_seconds"])

	requestSender.Close()
	indicationSender.Close()
	require.NoError(t, <-runResult)
}

func TestSetupRejectsInvalidConfiguration(t *testing.T) {
	channels := types.MessageChannels{
		EgressSink:    make(chan types.Packet, 1),
		IngressSource: make(chan types.Packet, 1),
	}
	_, _, _, _, err := SetupTransactions(nil, channels)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	_, _, _, _, err = SetupTransactions(&types.TransactionConfiguration{
		MaxConcurrentRequests: 0,
		RtoPolicy:             definition.NewNoRetransmissionsConstTimeout(time.Second),
	}, channels)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	_, _, _, _, err = SetupTransactions(&types.TransactionConfiguration{
		MaxConcurrentRequests: 1,
	}, channels)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}
