package publish

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fieldgate/fieldgate-core/internal/broadcast"
	"github.com/fieldgate/fieldgate-core/internal/device"
	"github.com/fieldgate/fieldgate-core/internal/infrastructure/mqtt"
)

// message is one rendered MQTT publication.
type message struct {
	topic   string
	payload []byte
}

// tagPayload is the structured format body: one JSON object per tag.
type tagPayload struct {
	Value     any    `json:"value"`
	Type      string `json:"type,omitempty"`
	Timestamp string `json:"timestamp"`
}

// render turns one update into its MQTT publications per the device's
// configured output format. Entries whose latest read failed are not
// published; their error state stays on the update event for observers.
//
// structured: one JSON object per tag to <prefix><tag>
// scalar:     the bare value per tag to <prefix><tag>
// aggregate:  one JSON object per cycle to <prefix>data, carrying the
//             hardware ID, every tag value and the cycle timestamp
func render(u broadcast.Update) ([]message, error) {
	switch device.OutputFormat(u.Format) {
	case device.FormatScalar:
		msgs := make([]message, 0, len(u.Values))
		for _, v := range u.Values {
			if v.Error != "" {
				continue
			}
			msgs = append(msgs, message{
				topic:   mqtt.TagTopic(u.TopicPrefix, v.Name),
				payload: []byte(scalarString(v.Value)),
			})
		}
		return msgs, nil

	case device.FormatAggregate:
		body := make(map[string]any, len(u.Values)+2)
		body["HWID"] = u.HardwareID
		for _, v := range u.Values {
			if v.Error != "" {
				continue
			}
			body[v.Name] = v.Value
		}
		body["Timestamp"] = u.Timestamp.Format(time.RFC3339)

		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling aggregate payload: %w", err)
		}
		return []message{{topic: mqtt.AggregateTopic(u.TopicPrefix), payload: payload}}, nil

	case device.FormatStructured:
		fallthrough
	default:
		msgs := make([]message, 0, len(u.Values))
		for _, v := range u.Values {
			if v.Error != "" {
				continue
			}
			payload, err := json.Marshal(tagPayload{
				Value:     v.Value,
				Type:      v.Type,
				Timestamp: v.Timestamp.Format(time.RFC3339),
			})
			if err != nil {
				return nil, fmt.Errorf("marshalling tag %q: %w", v.Name, err)
			}
			msgs = append(msgs, message{
				topic:   mqtt.TagTopic(u.TopicPrefix, v.Name),
				payload: payload,
			})
		}
		return msgs, nil
	}
}

// scalarString renders a bare value for the scalar format.
func scalarString(v any) string {
	return fmt.Sprintf("%v", v)
}
