package events

import (
	"context"
	"encoding/json"
)

// TopicCatchup implements CatchupQuerier by replaying the broker's
// per-channel catch-up lists through the same routing the live path uses, so
// a late subscriber sees exactly the events it would have received live.
type TopicCatchup struct {
	broker Broker
}

// NewTopicCatchup creates a TopicCatchup.
func NewTopicCatchup(broker Broker) *TopicCatchup {
	return &TopicCatchup{broker: broker}
}

// Recent returns the last limit events routed to the topic, oldest first.
func (t *TopicCatchup) Recent(ctx context.Context, topic string, limit int) ([][]byte, error) {
	raws, err := t.broker.Catchup(ctx, channelForTopic(topic), 0)
	if err != nil {
		return nil, err
	}

	var matched [][]byte
	for _, raw := range raws {
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Data == nil {
			continue
		}
		for _, candidate := range routeTopics(&env) {
			if candidate == topic {
				matched = append(matched, raw)
				break
			}
		}
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched, nil
}

// channelForTopic maps an outbound subscriber topic back to the inbound
// channel whose catch-up list feeds it.
func channelForTopic(topic string) string {
	switch topic {
	case TopicLog, TopicLiveLog:
		return ChannelLogs
	case TopicAgentStatusUpdate, TopicStatusUpdate:
		return ChannelStatus
	default:
		return ChannelPhase
	}
}
