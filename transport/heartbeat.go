package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/trainlink/packet"
)

// KeepaliveInterval is how often stream transports probe their peers.
// Well under the 60 second idle deadline, so two probes can be lost
// before a healthy peer looks dead. A variable so tests can shorten it.
var KeepaliveInterval = 25 * time.Second

// KeepalivePacket builds one liveness probe.
func KeepalivePacket(sequence uint64, now time.Time) (*packet.Packet, error) {
	body, err := json.Marshal(packet.Keepalive{
		Type:      "keepalive",
		Timestamp: now.UnixMilli(),
		Sequence:  sequence,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal keepalive: %w", err)
	}
	return &packet.Packet{PacketType: packet.PacketKeepalive, Data: body}, nil
}

// RunHeartbeat enqueues a keepalive on the control lane every interval
// until the context is canceled or the outbox closes. Each connection's
// sender group runs one of these; the sequence counter is per connection.
func RunHeartbeat(ctx context.Context, outbox *Outbox) {
	ticker := time.NewTicker(KeepaliveInterval)
	defer ticker.Stop()

	var sequence uint64
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			sequence++
			pkt, err := KeepalivePacket(sequence, now)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "RunHeartbeat",
					"error":    err,
				}).Error("Failed to build keepalive")
				continue
			}
			if err := outbox.EnqueueControl(ctx, pkt); err != nil {
				return
			}
		}
	}
}
