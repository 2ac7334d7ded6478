package terminal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/nctiggy/nwha/internal/logging"
)

// ExitTopic is the watermill topic exit notices are published on.
const ExitTopic = "process.exited"

// Exit reasons.
const (
	// ReasonExited means the process ended on its own.
	ReasonExited = "exited"
	// ReasonDestroyed means the registry terminated the process.
	ReasonDestroyed = "destroyed"
)

// ExitNotice reports that an interactive process has ended.
type ExitNotice struct {
	SessionKey string    `json:"session_key"`
	PID        int       `json:"pid"`
	Reason     string    `json:"reason"`
	ExitCode   int       `json:"exit_code"`
	ExitedAt   time.Time `json:"exited_at"`
}

// NewExitChannel creates the in-process message channel that carries exit
// notices from the registry to the session controller.
func NewExitChannel(logger *logging.Logger) *gochannel.GoChannel {
	return gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer: 100,
			Persistent:          false,
		},
		watermill.NewSlogLogger(logging.OrNop(logger).WithComponent("exit-channel").Slog()),
	)
}

// PublishExit publishes notice on ExitTopic.
func PublishExit(pub message.Publisher, notice ExitNotice) error {
	payload, err := json.Marshal(notice)
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("session_key", notice.SessionKey)
	return pub.Publish(ExitTopic, msg)
}

// DecodeExit parses an exit notice from a watermill message.
func DecodeExit(msg *message.Message) (ExitNotice, error) {
	var notice ExitNotice
	if err := json.Unmarshal(msg.Payload, &notice); err != nil {
		return ExitNotice{}, fmt.Errorf("decode exit notice %s: %w", msg.UUID, err)
	}
	return notice, nil
}

// SubscribeExits returns a channel of decoded exit notices. Undecodable
// messages are acked and dropped. The channel closes when ctx is done or
// the subscriber is closed.
func SubscribeExits(ctx context.Context, sub message.Subscriber, logger *logging.Logger) (<-chan ExitNotice, error) {
	msgs, err := sub.Subscribe(ctx, ExitTopic)
	if err != nil {
		return nil, err
	}
	log := logging.OrNop(logger).WithComponent("exit-channel")

	out := make(chan ExitNotice)
	go func() {
		defer close(out)
		for msg := range msgs {
			notice, err := DecodeExit(msg)
			msg.Ack()
			if err != nil {
				log.Warn("dropping malformed exit notice", "error", err.Error())
				continue
			}
			select {
			case out <- notice:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
