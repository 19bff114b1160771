package mqttpub

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/batteryhawk/battery-hawk/internal/metrics"
	"github.com/batteryhawk/battery-hawk/internal/model"
)

// Config tunes the publisher's connection and retry behavior (§6 mqtt
// configuration section).
type Config struct {
	Broker              string
	ClientID            string
	Username            string
	Password            string
	TopicPrefix         string
	QOS                 byte
	Keepalive           time.Duration
	MaxRetries          int
	InitialRetryDelay   time.Duration
	MaxRetryDelay       time.Duration
	BackoffMultiplier   float64
	JitterFactor        float64
	ConnectionTimeout   time.Duration
	MessageQueueSize    int
	MessageRetryLimit   int
}

// DefaultConfig matches the default system.mqtt configuration section.
func DefaultConfig() Config {
	return Config{
		TopicPrefix:       "batteryhawk",
		QOS:               1,
		Keepalive:         60 * time.Second,
		MaxRetries:        5,
		InitialRetryDelay: time.Second,
		MaxRetryDelay:     60 * time.Second,
		BackoffMultiplier: 2,
		JitterFactor:      0.1,
		ConnectionTimeout: 10 * time.Second,
		MessageQueueSize:  1000,
		MessageRetryLimit: 3,
	}
}

// Publisher maintains a resilient connection to the broker and drains a
// bounded FIFO queue of pending messages, retrying with backoff and
// dropping the oldest entry when the queue is full (§4.9).
type Publisher struct {
	cfg    Config
	client mqtt.Client

	mu      sync.Mutex
	queue   []model.QueuedMessage
	connected bool

	stop chan struct{}
	wake chan struct{}
	once sync.Once
}

// New creates a Publisher and starts its background connect/reconnect
// and queue-drain worker. Connect is attempted asynchronously; Publish
// calls never block on it.
func New(cfg Config) *Publisher {
	p := &Publisher{cfg: cfg, stop: make(chan struct{}), wake: make(chan struct{}, 1)}
	p.client = p.newClient()
	go p.reconnectLoop()
	go p.drainLoop()
	return p
}

func (p *Publisher) newClient() mqtt.Client {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(p.cfg.Broker)
	opts.SetClientID(p.cfg.ClientID)
	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}
	opts.SetConnectTimeout(p.cfg.ConnectionTimeout)
	opts.SetKeepAlive(p.cfg.Keepalive)
	opts.SetAutoReconnect(false) // the publisher drives its own backoff loop instead
	opts.SetOnConnectHandler(func(mqtt.Client) {
		p.mu.Lock()
		p.connected = true
		p.mu.Unlock()
		p.kick()
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.mu.Lock()
		p.connected = false
		p.mu.Unlock()
	})
	return mqtt.NewClient(opts)
}

func (p *Publisher) kick() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// reconnectLoop keeps trying to connect with exponential backoff and
// jitter whenever the client is not connected.
func (p *Publisher) reconnectLoop() {
	delay := p.cfg.InitialRetryDelay
	if delay <= 0 {
		delay = time.Second
	}
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		p.mu.Lock()
		connected := p.connected
		p.mu.Unlock()

		if connected {
			delay = p.cfg.InitialRetryDelay
			select {
			case <-p.stop:
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		token := p.client.Connect()
		token.Wait()
		if err := token.Error(); err != nil {
			jitter := time.Duration(float64(delay) * p.cfg.JitterFactor * (rand.Float64()*2 - 1))
			wait := delay + jitter
			select {
			case <-p.stop:
				return
			case <-time.After(wait):
			}

			mult := p.cfg.BackoffMultiplier
			if mult <= 1 {
				mult = 2
			}
			delay = time.Duration(float64(delay) * mult)
			if p.cfg.MaxRetryDelay > 0 && delay > p.cfg.MaxRetryDelay {
				delay = p.cfg.MaxRetryDelay
			}
			continue
		}

		delay = p.cfg.InitialRetryDelay
	}
}

// Publish enqueues msg for delivery. It never blocks on network I/O; if
// the queue is already at MessageQueueSize capacity the oldest entry is
// dropped to make room. The qos argument is not applied: every message
// is sent at Config.QOS; retain is kept per message.
func (p *Publisher) Publish(topic string, payload map[string]any, qos byte, retain bool) {
	msg := model.QueuedMessage{Topic: topic, Payload: payload, Retain: retain, EnqueuedAt: time.Now()}

	p.mu.Lock()
	limit := p.cfg.MessageQueueSize
	if limit <= 0 {
		limit = 1000
	}
	if len(p.queue) >= limit {
		p.queue = p.queue[1:]
		metrics.MQTTDropped.Inc()
	}
	p.queue = append(p.queue, msg)
	metrics.MQTTQueueSize.Set(float64(len(p.queue)))
	p.mu.Unlock()

	p.kick()
}

// PublishReading publishes one device reading (§6 wire format).
func (p *Publisher) PublishReading(mac string, reading model.Reading) {
	if !ValidMACForTopic(mac) {
		return
	}
	payload := map[string]any{
		"voltage_v":          reading.VoltageV,
		"current_a":          reading.CurrentA,
		"temperature_c":      reading.TemperatureC,
		"state_of_charge_pct": reading.StateOfCharge,
		"timestamp":          reading.Timestamp.UTC().Format(time.RFC3339),
	}
	if reading.CapacityMAh != nil {
		payload["capacity_mah"] = *reading.CapacityMAh
	}
	if reading.Cycles != nil {
		payload["cycles"] = *reading.Cycles
	}
	p.Publish(ReadingTopic(p.cfg.TopicPrefix, mac), payload, ReadingQOS, ReadingRetain)
}

// PublishStatus publishes a device status update, retained so a
// subscriber connecting later sees the current state immediately.
func (p *Publisher) PublishStatus(mac, status string) {
	if !ValidMACForTopic(mac) {
		return
	}
	payload := map[string]any{"status": status, "timestamp": time.Now().UTC().Format(time.RFC3339)}
	p.Publish(StatusTopic(p.cfg.TopicPrefix, mac), payload, StatusQOS, StatusRetain)
}

// drainLoop publishes queued messages whenever connected and woken,
// retrying a failed publish up to MessageRetryLimit times before
// dropping it.
func (p *Publisher) drainLoop() {
	for {
		select {
		case <-p.stop:
			return
		case <-p.wake:
		case <-time.After(2 * time.Second):
		}

		p.mu.Lock()
		connected := p.connected
		p.mu.Unlock()
		if !connected {
			continue
		}

		for {
			p.mu.Lock()
			if len(p.queue) == 0 {
				p.mu.Unlock()
				break
			}
			msg := p.queue[0]
			p.mu.Unlock()

			if err := p.publishOne(msg); err != nil {
				msg.RetryCount++
				limit := p.cfg.MessageRetryLimit
				if limit <= 0 {
					limit = 3
				}
				p.mu.Lock()
				if len(p.queue) > 0 {
					if msg.RetryCount > limit {
						p.queue = p.queue[1:]
						metrics.MQTTDropped.Inc()
					} else {
						p.queue[0] = msg
					}
				}
				p.mu.Unlock()
				metrics.MQTTPublished.WithLabelValues(metrics.OutcomeFailure).Inc()
				break
			}

			p.mu.Lock()
			if len(p.queue) > 0 {
				p.queue = p.queue[1:]
			}
			metrics.MQTTQueueSize.Set(float64(len(p.queue)))
			p.mu.Unlock()
			metrics.MQTTPublished.WithLabelValues(metrics.OutcomeSuccess).Inc()
		}
	}
}

func (p *Publisher) publishOne(msg model.QueuedMessage) error {
	data, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("mqttpub: marshal payload: %w", err)
	}
	token := p.client.Publish(msg.Topic, p.cfg.QOS, msg.Retain, data)
	token.Wait()
	return token.Error()
}

// QueueDepth returns the number of messages currently queued, for the
// status HTTP surface.
func (p *Publisher) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Connected reports whether the publisher currently has a live broker
// connection.
func (p *Publisher) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Close stops the reconnect and drain loops and disconnects.
func (p *Publisher) Close() {
	p.once.Do(func() { close(p.stop) })
	if p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}
