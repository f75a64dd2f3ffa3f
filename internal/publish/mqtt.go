package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/posefusion/internal/monitoring"
)

var logs = monitoring.NewStreams("[publish] ")

const (
	connTimeout       = 10 * time.Second
	maxReconnInterval = time.Minute
	disconnQuiesce    = 250
)

var (
	ErrTimeout    = errors.New("mqtt operation timed out")
	errEmptyTopic = errors.New("empty topic")
)

// Topic suffixes below the configured prefix.
const (
	TopicObjectsField = "objects/field"
	TopicObjectsRobot = "objects/robot"
	TopicCorrection   = "odom_correction"
	TopicStatus       = "status"
	TopicOdometry     = "odometry"
	TopicPoseOverride = "pose_override"
)

// Publisher is the outbound half of the transport.
type Publisher interface {
	PublishObjects(ctx context.Context, msg Objects) error
	PublishCorrection(ctx context.Context, msg Correction) error
	PublishStatus(ctx context.Context, msg Status) error
}

// Inbound receives messages from the robot controller. Handlers run on the
// transport's goroutine and must not block.
type Inbound struct {
	Odometry     func(Odometry)
	PoseOverride func(PoseOverride)
}

// MQTT publishes JSON payloads under Prefix.
type MQTT struct {
	client  mqtt.Client
	prefix  string
	qos     byte
	timeout time.Duration
}

// Options configure Dial.
type Options struct {
	URL      string
	ClientID string
	Prefix   string
	QoS      byte
	Timeout  time.Duration
}

// Dial connects to the broker and returns a ready publisher.
func Dial(opts Options) (*MQTT, error) {
	if opts.ClientID == "" {
		opts.ClientID = "posefusion"
	}
	copts := mqtt.NewClientOptions().
		AddBroker(opts.URL).
		SetClientID(opts.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(connTimeout).
		SetMaxReconnectInterval(maxReconnInterval).
		SetWill(joinTopic(opts.Prefix, TopicStatus), `{"status":"fatal"}`, opts.QoS, true)

	copts.SetOnConnectHandler(func(_ mqtt.Client) {
		logs.Opsf("connected to %s", opts.URL)
	})
	copts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logs.Opsf("connection to %s lost: %v", opts.URL, err)
	})
	copts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		logs.Diagf("reconnecting to %s", opts.URL)
	})

	client := mqtt.NewClient(copts)
	token := client.Connect()
	if !token.WaitTimeout(opts.Timeout) {
		return nil, fmt.Errorf("connect %s: %w", opts.URL, ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect %s: %w", opts.URL, err)
	}
	return NewMQTT(client, opts.Prefix, opts.QoS, opts.Timeout), nil
}

// NewMQTT wraps an already configured client.
func NewMQTT(client mqtt.Client, prefix string, qos byte, timeout time.Duration) *MQTT {
	return &MQTT{client: client, prefix: prefix, qos: qos, timeout: timeout}
}

func joinTopic(prefix, suffix string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return suffix
	}
	return prefix + "/" + suffix
}

// Topic returns the full topic for suffix.
func (m *MQTT) Topic(suffix string) string { return joinTopic(m.prefix, suffix) }

func (m *MQTT) wait(ctx context.Context, op string, token mqtt.Token) error {
	timer := time.NewTimer(m.timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
}

func (m *MQTT) publish(ctx context.Context, suffix string, retained bool, msg any) error {
	if suffix == "" {
		return errEmptyTopic
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", suffix, err)
	}
	topic := m.Topic(suffix)
	logs.Tracef("publish %s (%d bytes)", topic, len(data))
	return m.wait(ctx, "publish "+topic, m.client.Publish(topic, m.qos, retained, data))
}

// PublishObjects publishes msg in the field frame and again in the robot
// frame.
func (m *MQTT) PublishObjects(ctx context.Context, msg Objects) error {
	if err := m.publish(ctx, TopicObjectsField, false, frameView(msg, "field")); err != nil {
		return err
	}
	return m.publish(ctx, TopicObjectsRobot, false, frameView(msg, "robot"))
}

// PublishCorrection publishes the current odometry correction.
func (m *MQTT) PublishCorrection(ctx context.Context, msg Correction) error {
	return m.publish(ctx, TopicCorrection, false, msg)
}

// PublishStatus publishes a retained status report.
func (m *MQTT) PublishStatus(ctx context.Context, msg Status) error {
	return m.publish(ctx, TopicStatus, true, msg)
}

// Subscribe routes inbound topics to in. A nil handler leaves its topic
// unsubscribed.
func (m *MQTT) Subscribe(ctx context.Context, in Inbound) error {
	if in.Odometry != nil {
		if err := m.subscribe(ctx, TopicOdometry, func(b []byte) error {
			var msg Odometry
			if err := json.Unmarshal(b, &msg); err != nil {
				return err
			}
			in.Odometry(msg)
			return nil
		}); err != nil {
			return err
		}
	}
	if in.PoseOverride != nil {
		if err := m.subscribe(ctx, TopicPoseOverride, func(b []byte) error {
			var msg PoseOverride
			if err := json.Unmarshal(b, &msg); err != nil {
				return err
			}
			if err := msg.Pose.Transform().Validate(); err != nil {
				return err
			}
			in.PoseOverride(msg)
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

func (m *MQTT) subscribe(ctx context.Context, suffix string, handle func([]byte) error) error {
	topic := m.Topic(suffix)
	token := m.client.Subscribe(topic, m.qos, func(_ mqtt.Client, msg mqtt.Message) {
		if err := handle(msg.Payload()); err != nil {
			logs.Opsf("discarding message on %s: %v", msg.Topic(), err)
		}
		msg.Ack()
	})
	return m.wait(ctx, "subscribe "+topic, token)
}

// Close disconnects from the broker.
func (m *MQTT) Close() {
	m.client.Disconnect(disconnQuiesce)
}

// FramedObject is an Object reduced to a single coordinate frame.
type FramedObject struct {
	ID         int64   `json:"id"`
	LabelID    int     `json:"label_id"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Position   Vec3    `json:"position"`
}

// FramedObjects is the payload of the per-frame object topics.
type FramedObjects struct {
	Timestamp int64          `json:"timestamp"`
	Frame     string         `json:"frame"`
	Objects   []FramedObject `json:"objects"`
}

func frameView(msg Objects, frame string) FramedObjects {
	out := FramedObjects{Timestamp: msg.Timestamp, Frame: frame, Objects: make([]FramedObject, len(msg.Objects))}
	for i, o := range msg.Objects {
		pos := o.Field
		if frame == "robot" {
			pos = o.Robot
		}
		out.Objects[i] = FramedObject{ID: o.ID, LabelID: o.LabelID, Label: o.Label, Confidence: o.Confidence, Position: pos}
	}
	return out
}
