package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/trainlink/limits"
	"github.com/opd-ai/trainlink/metrics"
	"github.com/opd-ai/trainlink/packet"
)

// Outbox is the per-endpoint outbound queue feeding a single writer
// goroutine. It keeps two lanes with different overload behavior: the
// control lane blocks producers when full so commands are never lost,
// while the video lane displaces its oldest entry so a slow consumer
// watches recent frames instead of a growing backlog.
type Outbox struct {
	control chan *packet.Packet
	video   chan *packet.Packet

	closed    chan struct{}
	closeOnce sync.Once

	droppedVideo atomic.Uint64
}

// NewOutbox creates an outbox with the standard lane depths.
func NewOutbox() *Outbox {
	return &Outbox{
		control: make(chan *packet.Packet, limits.ControlQueueDepth),
		video:   make(chan *packet.Packet, limits.VideoQueueDepth),
		closed:  make(chan struct{}),
	}
}

// EnqueueControl queues a packet on the lossless lane, blocking until
// there is room, the context is canceled, or the outbox closes.
func (o *Outbox) EnqueueControl(ctx context.Context, pkt *packet.Packet) error {
	select {
	case <-o.closed:
		return ErrClosed
	default:
	}

	select {
	case o.control <- pkt:
		return nil
	case <-o.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnqueueVideo queues a packet on the lossy lane. A full lane drops its
// oldest entry to make room; EnqueueVideo never blocks.
func (o *Outbox) EnqueueVideo(pkt *packet.Packet) error {
	for {
		select {
		case <-o.closed:
			return ErrClosed
		case o.video <- pkt:
			return nil
		default:
		}

		select {
		case <-o.video:
			dropped := o.droppedVideo.Add(1)
			metrics.IncVideoDrop(metrics.DropEndpointQueue)
			if dropped%100 == 1 {
				logrus.WithFields(logrus.Fields{
					"function": "EnqueueVideo",
					"dropped":  dropped,
				}).Warn("Video lane full, displacing oldest packet")
			}
		default:
			// A concurrent writer drained the lane between selects; retry
		}
	}
}

// Next returns the next packet to write, control lane first. It blocks
// until a packet arrives, the context is canceled, or the outbox closes.
func (o *Outbox) Next(ctx context.Context) (*packet.Packet, error) {
	// Drain pending control traffic before touching video
	select {
	case pkt := <-o.control:
		return pkt, nil
	default:
	}

	select {
	case pkt := <-o.control:
		return pkt, nil
	case pkt := <-o.video:
		return pkt, nil
	case <-o.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close releases blocked producers and the writer. Idempotent.
func (o *Outbox) Close() {
	o.closeOnce.Do(func() {
		close(o.closed)
	})
}

// DroppedVideo returns how many video packets the lossy lane displaced.
func (o *Outbox) DroppedVideo() uint64 {
	return o.droppedVideo.Load()
}
