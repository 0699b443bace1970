package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wsrpc/wsrpc/codec"
	"github.com/wsrpc/wsrpc/wire"
)

// fakeSink records frames instead of writing to a socket, and can loop
// them back into a second registry to exercise the two-sided protocol
// in-process.
type fakeSink struct {
	mu     sync.Mutex
	frames []wire.StreamFrame
	raw    [][]byte
	peer   *Registry
}

func (f *fakeSink) SendStreamFrame(ctx context.Context, sf wire.StreamFrame) error {
	f.mu.Lock()
	f.frames = append(f.frames, sf)
	f.mu.Unlock()
	if f.peer != nil {
		return f.peer.HandleFrame(&sf)
	}
	return nil
}

func (f *fakeSink) SendChunkWithRaw(ctx context.Context, sf wire.StreamFrame, data []byte, isText bool) error {
	f.mu.Lock()
	f.frames = append(f.frames, sf)
	f.raw = append(f.raw, append([]byte(nil), data...))
	f.mu.Unlock()
	if f.peer == nil {
		return nil
	}
	if err := f.peer.HandleFrame(&sf); err != nil {
		return err
	}
	return f.peer.HandleRaw(data, isText)
}

func newLinkedPair(t *testing.T) (*Registry, *Registry) {
	t.Helper()
	sinkA := &fakeSink{}
	sinkB := &fakeSink{}
	regA := NewRegistry(sinkA)
	regB := NewRegistry(sinkB)
	sinkA.peer = regB
	sinkB.peer = regA
	regA.SetCodec(codec.New(regA))
	regB.SetCodec(codec.New(regB))
	return regA, regB
}

func TestSendSequenceDoesNotStartProducerUntilCalled(t *testing.T) {
	producerSide, consumerSide := newLinkedPair(t)
	seq, sink := codec.NewSequence(1)
	defer sink.Close()

	id, start := producerSide.SendSequence(seq)
	consumerSide.ReceiveSequence(id)

	producerSide.mu.Lock()
	n := len(producerSide.outbound)
	producerSide.mu.Unlock()
	require.Equal(t, 1, n, "the outbound entry must be registered synchronously")

	// Fill the sequence's one-deep buffer: with no producer draining it
	// yet, a second send must block until start is called.
	require.NoError(t, sink.Send(context.Background(), float64(1)))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, sink.Send(ctx, float64(2)), context.DeadlineExceeded)

	start()
	require.NoError(t, sink.Send(context.Background(), float64(3)))
}

func TestStreamEndToEndDone(t *testing.T) {
	producerSide, consumerSide := newLinkedPair(t)

	seq, sink := codec.NewSequence(4)
	id, start := producerSide.SendSequence(seq)
	start()

	go func() {
		_ = sink.Send(context.Background(), float64(1))
		_ = sink.Send(context.Background(), float64(2))
		sink.Close()
	}()

	remoteSeq := consumerSide.ReceiveSequence(id)

	var got []any
	for {
		v, ok, err := remoteSeq.Next(context.Background())
		if !ok {
			require.ErrorIs(t, err, codec.ErrSequenceDone)
			break
		}
		got = append(got, v)
	}
	require.Equal(t, []any{float64(1), float64(2)}, got)
}

func TestStreamEndToEndError(t *testing.T) {
	producerSide, consumerSide := newLinkedPair(t)
	seq, sink := codec.NewSequence(4)
	id, start := producerSide.SendSequence(seq)
	start()

	go func() {
		_ = sink.Send(context.Background(), "x")
		sink.CloseWithError(errWriteBoom)
	}()

	remoteSeq := consumerSide.ReceiveSequence(id)
	_, ok, err := remoteSeq.Next(context.Background())
	require.True(t, ok)
	_, ok, err = remoteSeq.Next(context.Background())
	require.False(t, ok)
	require.Error(t, err)
}

var errWriteBoom = &boomError{}

type boomError struct{}

func (*boomError) Error() string { return "boom" }

func TestConsumerCancelSendsCancelFrame(t *testing.T) {
	producerSide, consumerSide := newLinkedPair(t)
	seq, sink := codec.NewSequence(1)
	id, start := producerSide.SendSequence(seq)
	start()
	defer sink.Close()

	remoteSeq := consumerSide.ReceiveSequence(id)
	remoteSeq.Cancel(nil)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if err := sink.Send(context.Background(), float64(1)); err != nil {
			return // producer observed the cancellation
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("producer never observed remote cancel")
}

func TestHandleFrameUnknownStreamIsFatal(t *testing.T) {
	_, consumerSide := newLinkedPair(t)
	err := consumerSide.HandleFrame(&wire.StreamFrame{Stream: wire.StreamDone, ID: 999})
	require.ErrorIs(t, err, ErrUnknownStream)
}

func TestHandleRawWithoutAnnouncementIsFatal(t *testing.T) {
	_, consumerSide := newLinkedPair(t)
	err := consumerSide.HandleRaw([]byte("oops"), true)
	require.ErrorIs(t, err, ErrUnexpectedRaw)
}

func TestChunkAnnouncementFollowedByControlFrameIsFatal(t *testing.T) {
	_, consumerSide := newLinkedPair(t)
	consumerSide.ReceiveSequence(1)

	err := consumerSide.HandleFrame(&wire.StreamFrame{Stream: wire.StreamChunk, ID: 1, Type: wire.PhysicalString})
	require.NoError(t, err)

	err = consumerSide.HandleFrame(&wire.StreamFrame{Stream: wire.StreamDone, ID: 2})
	require.ErrorIs(t, err, ErrUnexpectedRaw)
}

func TestRawStringPassthrough(t *testing.T) {
	producerSide, consumerSide := newLinkedPair(t)
	seq, sink := codec.NewSequence(2)
	id, start := producerSide.SendSequence(seq)
	start()
	go func() {
		_ = sink.Send(context.Background(), "raw-string-item")
		sink.Close()
	}()
	remoteSeq := consumerSide.ReceiveSequence(id)
	v, ok, _ := remoteSeq.Next(context.Background())
	require.True(t, ok)
	require.Equal(t, "raw-string-item", v)
}
