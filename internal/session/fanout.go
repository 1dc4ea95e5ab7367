package session

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// broadcastChannel carries announcements between instances. Direct messages
// are routed against the local presence directory only; each instance is
// authoritative for the sessions it holds.
const broadcastChannel = "support:broadcast"

// EnableRedisFanOut wires the manager to publish announcements over Redis
// and starts a single shared subscriber that replays peer announcements to
// local sessions.
func (m *Manager) EnableRedisFanOut(ctx context.Context, client *redis.Client) {
	m.publish = func(ctx context.Context, evt Event) error {
		data, err := json.Marshal(evt)
		if err != nil {
			return err
		}
		return client.Publish(ctx, broadcastChannel, data).Err()
	}

	m.subscribeOnce.Do(func() {
		go m.runSubscriber(ctx, client)
	})
}

func (m *Manager) runSubscriber(ctx context.Context, client *redis.Client) {
	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		func() {
			pubsub := client.Subscribe(ctx, broadcastChannel)
			defer pubsub.Close()

			log.Printf("✅ Broadcast subscriber started (channel: %s)", broadcastChannel)

			for {
				msg, err := pubsub.ReceiveMessage(ctx)
				if err != nil {
					log.Printf("broadcast subscriber error: %v", err)
					time.Sleep(backoff)
					backoff *= 2
					if backoff > 30*time.Second {
						backoff = 30 * time.Second
					}
					return
				}

				backoff = time.Second

				var evt Event
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					log.Printf("failed to unmarshal broadcast event: %v", err)
					continue
				}
				m.deliverAll(evt)
			}
		}()
	}
}
