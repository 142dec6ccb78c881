// Package mqttdriver implements the platform driver over an MQTT bridge.
// Each operation publishes a correlated request on the platform's operation
// topic and waits for the bridge's reply on the shared reply topic.
package mqttdriver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/ensemblebots/troupe/internal/driver"
	"github.com/ensemblebots/troupe/internal/events"
)

// Config holds connection settings for the platform bridge.
type Config struct {
	BrokerURL  string
	ClientID   string
	Username   string
	Password   string
	Descriptor string        // path to the platform descriptor yaml
	Timeout    time.Duration // per-operation reply timeout
}

const defaultTimeout = 30 * time.Second

// Driver talks to one platform bridge over MQTT.
type Driver struct {
	client   paho.Client
	platform string
	ops      map[string]struct{}
	capList  []string
	timeout  time.Duration

	mu      sync.Mutex
	pending map[string]chan replyEnvelope
}

type requestEnvelope struct {
	CorrelationID string                 `json:"correlation_id"`
	Operation     string                 `json:"op"`
	Params        map[string]interface{} `json:"params,omitempty"`
}

type replyEnvelope struct {
	CorrelationID string                 `json:"correlation_id"`
	OK            bool                   `json:"ok"`
	Output        map[string]interface{} `json:"output,omitempty"`
	Error         string                 `json:"error,omitempty"`
}

// Connect loads the platform descriptor, connects to the broker, and
// subscribes to the platform's reply topic.
func Connect(cfg Config) (*Driver, error) {
	desc, err := LoadDescriptor(cfg.Descriptor)
	if err != nil {
		return nil, fmt.Errorf("load platform descriptor: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	d := &Driver{
		platform: desc.Platform,
		ops:      make(map[string]struct{}, len(desc.Operations)),
		capList:  append([]string{}, desc.Operations...),
		timeout:  timeout,
		pending:  make(map[string]chan replyEnvelope),
	}
	for _, op := range desc.Operations {
		d.ops[op] = struct{}{}
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetKeepAlive(30 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetOnConnectHandler(func(c paho.Client) {
		// Re-subscribe after reconnects.
		token := c.Subscribe(d.replyTopic(), 1, d.handleReply)
		if token.WaitTimeout(10*time.Second) && token.Error() == nil {
			events.Emit("info", "driver.connected", "", map[string]interface{}{
				"platform": d.platform,
				"broker":   cfg.BrokerURL,
			})
			return
		}
		events.Emit("error", "driver.error", "reply subscribe failed", map[string]interface{}{
			"platform": d.platform,
			"topic":    d.replyTopic(),
		})
	})
	opts.SetConnectionLostHandler(func(c paho.Client, err error) {
		events.Emit("warn", "driver.disconnected", err.Error(), map[string]interface{}{
			"platform": d.platform,
		})
	})

	d.client = paho.NewClient(opts)

	token := d.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout: %s", cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, err
	}

	return d, nil
}

func (d *Driver) Name() string { return d.platform }

func (d *Driver) Capabilities() []string {
	return append([]string{}, d.capList...)
}

func (d *Driver) opTopic(operation string) string {
	return fmt.Sprintf("platform/%s/op/%s", d.platform, operation)
}

func (d *Driver) replyTopic() string {
	return fmt.Sprintf("platform/%s/reply", d.platform)
}

// Invoke publishes the operation request and waits for the bridge's reply.
// Cancellation is honored only before the request is published: once it is
// on the wire the operation is running on the platform, and the wait is
// bounded by the driver's own timeout so the output is never dropped.
func (d *Driver) Invoke(ctx context.Context, operation string, params map[string]interface{}) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, ok := d.ops[operation]; !ok {
		return nil, &driver.OperationError{Driver: d.platform, Operation: operation,
			Err: fmt.Errorf("not listed in platform descriptor")}
	}
	if !d.client.IsConnected() {
		return nil, &driver.OperationError{Driver: d.platform, Operation: operation,
			Err: fmt.Errorf("not connected to broker")}
	}

	corrID := uuid.NewString()
	reply := make(chan replyEnvelope, 1)

	d.mu.Lock()
	d.pending[corrID] = reply
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, corrID)
		d.mu.Unlock()
	}()

	req := requestEnvelope{
		CorrelationID: corrID,
		Operation:     operation,
		Params:        params,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, &driver.OperationError{Driver: d.platform, Operation: operation, Err: err}
	}

	token := d.client.Publish(d.opTopic(operation), 1, false, payload)
	if !token.WaitTimeout(10 * time.Second) {
		return nil, &driver.OperationError{Driver: d.platform, Operation: operation,
			Err: fmt.Errorf("publish timeout")}
	}
	if err := token.Error(); err != nil {
		return nil, &driver.OperationError{Driver: d.platform, Operation: operation, Err: err}
	}

	return d.awaitReply(operation, reply)
}

// awaitReply waits for the bridge's reply to a published request. The wait
// deliberately takes no context: the request is already in flight.
func (d *Driver) awaitReply(operation string, reply chan replyEnvelope) (map[string]interface{}, error) {
	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil, &driver.OperationError{Driver: d.platform, Operation: operation,
			Err: fmt.Errorf("no reply within %s", d.timeout)}
	case env := <-reply:
		if !env.OK {
			msg := env.Error
			if msg == "" {
				msg = "bridge reported failure"
			}
			return nil, &driver.OperationError{Driver: d.platform, Operation: operation,
				Err: fmt.Errorf("%s", msg)}
		}
		if env.Output == nil {
			return map[string]interface{}{}, nil
		}
		return env.Output, nil
	}
}

// handleReply routes a bridge reply to the waiting invocation.
func (d *Driver) handleReply(_ paho.Client, msg paho.Message) {
	var env replyEnvelope
	if err := json.Unmarshal(msg.Payload(), &env); err != nil {
		events.Emit("error", "driver.error", "malformed reply", map[string]interface{}{
			"platform": d.platform,
			"topic":    msg.Topic(),
		})
		return
	}
	if env.CorrelationID == "" {
		return
	}

	d.mu.Lock()
	ch, ok := d.pending[env.CorrelationID]
	d.mu.Unlock()
	if !ok {
		// Late reply for a timed-out invocation.
		return
	}

	select {
	case ch <- env:
	default:
	}
}

// Disconnect cleanly disconnects from the broker.
func (d *Driver) Disconnect() {
	if d.client != nil && d.client.IsConnected() {
		d.client.Disconnect(1000)
	}
	events.Emit("info", "driver.disconnected", "shutdown", map[string]interface{}{
		"platform": d.platform,
	})
}

// ValidClientID normalizes a fleet ID into an MQTT client ID.
func ValidClientID(fleetID string) string {
	id := strings.ReplaceAll(fleetID, " ", "-")
	if id == "" {
		id = "troupe"
	}
	return "troupe-" + id
}
