// Package telemetry bridges the deputies' MQTT traffic into the console.
//
// Topics, relative to a configurable prefix:
//
//	<prefix>/deputy/<name>/info - deputy snapshot with its command list
//	<prefix>/printf             - command output chunks
//	<prefix>/orders             - sheriff presence
//	<prefix>/intent             - operator intents (published by us)
//
// Payloads are JSON. Decoded messages are handed to a Consumer; the bridge
// never touches console state directly.
package telemetry

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"procsheriff/fleet"
	"procsheriff/internal/ratelimit"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Consumer receives decoded telemetry. Calls arrive on MQTT goroutines and
// must not block.
type Consumer interface {
	PostReport(r fleet.DeputyReport)
	OnText(id fleet.CommandID, text string)
	PostOrders(sheriff string)
}

// Options configures the bridge.
type Options struct {
	Broker      string
	Port        int
	ClientID    string
	TopicPrefix string
	Sheriff     string
	// Observer is asked before each intent is queued; while it reports true
	// intents are refused. Nil never refuses.
	Observer func() bool
	// MaxPayloadBytes drops larger messages; zero means no limit.
	MaxPayloadBytes int
	// IntentQueue bounds intents waiting for the broker.
	IntentQueue int
}

const (
	defaultIntentQueue   = 256
	intentPublishTimeout = 5 * time.Second
)

var (
	// ErrIntentQueueFull is returned when intents arrive faster than the
	// broker takes them.
	ErrIntentQueueFull = errors.New("telemetry: intent queue full")
	// ErrStopped is returned once Stop has been called.
	ErrStopped = errors.New("telemetry: client stopped")
)

// Stats counts bridge traffic.
type Stats struct {
	Reports      uint64
	Printfs      uint64
	Orders       uint64
	Intents      uint64
	DecodeErrors uint64
	Oversized    uint64
	// IntentDrops counts intents refused because the queue was full;
	// PublishErrors counts queued intents the broker did not take.
	IntentDrops   uint64
	PublishErrors uint64
}

// Client is the MQTT bridge.
//
// The paho client runs message callbacks on its own goroutines; counters are
// atomic and the Consumer is expected to queue without blocking. Intents go
// the other way through a bounded queue drained by the client's publisher
// goroutine, so PublishIntent never waits on the broker.
type Client struct {
	opts     Options
	client   mqtt.Client
	consumer Consumer
	shutdown chan struct{}

	intentQueue   chan []byte
	publisherDone chan struct{}
	// send delivers one encoded intent; it is the broker publish outside tests.
	send func(topic string, payload []byte) error

	reports       atomic.Uint64
	printfs       atomic.Uint64
	orders        atomic.Uint64
	intents       atomic.Uint64
	decodeErrors  atomic.Uint64
	oversized     atomic.Uint64
	intentDrops   atomic.Uint64
	publishErrors atomic.Uint64
	decodeLog     ratelimit.Counter
	intentDropLog ratelimit.Counter
	publishLog    ratelimit.Counter

	now func() time.Time
}

// NewClient creates a bridge that feeds consumer and starts its intent
// publisher. Call Stop to release it.
func NewClient(opts Options, consumer Consumer) *Client {
	c := newClient(opts, consumer)
	c.send = c.publishToBroker
	go c.publishLoop()
	return c
}

func newClient(opts Options, consumer Consumer) *Client {
	if opts.Port <= 0 {
		opts.Port = 1883
	}
	opts.TopicPrefix = strings.Trim(strings.TrimSpace(opts.TopicPrefix), "/")
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "procman"
	}
	if opts.IntentQueue <= 0 {
		opts.IntentQueue = defaultIntentQueue
	}
	return &Client{
		opts:          opts,
		consumer:      consumer,
		shutdown:      make(chan struct{}),
		intentQueue:   make(chan []byte, opts.IntentQueue),
		publisherDone: make(chan struct{}),
		decodeLog:     ratelimit.NewCounter(30 * time.Second),
		intentDropLog: ratelimit.NewCounter(30 * time.Second),
		publishLog:    ratelimit.NewCounter(30 * time.Second),
		now:           time.Now,
	}
}

func (c *Client) infoTopic() string   { return c.opts.TopicPrefix + "/deputy/+/info" }
func (c *Client) printfTopic() string { return c.opts.TopicPrefix + "/printf" }
func (c *Client) ordersTopic() string { return c.opts.TopicPrefix + "/orders" }
func (c *Client) intentTopic() string { return c.opts.TopicPrefix + "/intent" }

// Connect establishes the broker connection. Subscriptions are (re)made in
// the connect handler so they survive reconnects.
func (c *Client) Connect() error {
	opts := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", c.opts.Broker, c.opts.Port)
	opts.AddBroker(brokerURL)

	clientID := c.opts.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("procsheriff-%d", time.Now().Unix())
	}
	opts.SetClientID(clientID)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = mqtt.NewClient(opts)

	log.Printf("Telemetry: connecting to MQTT broker at %s", brokerURL)
	token := c.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("telemetry: connect %s: %w", brokerURL, token.Error())
	}
	return nil
}

func (c *Client) onConnect(client mqtt.Client) {
	filters := map[string]byte{
		c.infoTopic():   0,
		c.printfTopic(): 0,
		c.ordersTopic(): 0,
	}
	token := client.SubscribeMultiple(filters, c.messageHandler)
	if token.Wait() && token.Error() != nil {
		log.Printf("Telemetry: subscribe failed: %v", token.Error())
		return
	}
	log.Printf("Telemetry: connected, subscribed under %s/", c.opts.TopicPrefix)
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	log.Printf("Telemetry: connection lost: %v (will reconnect)", err)
}

func (c *Client) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	if c == nil || c.consumer == nil || msg == nil {
		return
	}
	payload := msg.Payload()
	if c.opts.MaxPayloadBytes > 0 && len(payload) > c.opts.MaxPayloadBytes {
		c.oversized.Add(1)
		return
	}
	topic := msg.Topic()
	var err error
	switch {
	case topic == c.printfTopic():
		var m PrintfMessage
		if m, err = decodePrintf(payload); err == nil {
			c.printfs.Add(1)
			c.consumer.OnText(fleet.CommandID(m.SheriffID), m.Text)
		}
	case topic == c.ordersTopic():
		var m OrdersMessage
		if m, err = decodeOrders(payload); err == nil {
			c.orders.Add(1)
			c.consumer.PostOrders(m.Sheriff)
		}
	default:
		deputy, ok := c.deputyFromTopic(topic)
		if !ok {
			return
		}
		var r fleet.DeputyReport
		if r, err = decodeDeputyInfo(deputy, payload); err == nil {
			c.reports.Add(1)
			c.consumer.PostReport(r)
		}
	}
	if err != nil {
		c.decodeErrors.Add(1)
		if total, ok := c.decodeLog.Inc(); ok {
			log.Printf("Telemetry: %v (topic %s, %d decode errors so far)", err, topic, total)
		}
	}
}

// deputyFromTopic extracts <name> from <prefix>/deputy/<name>/info.
func (c *Client) deputyFromTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, c.opts.TopicPrefix+"/deputy/")
	if !ok {
		return "", false
	}
	name, ok := strings.CutSuffix(rest, "/info")
	if !ok || name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

// PublishIntent queues an accepted operator intent for the deputies. It
// never blocks: an observer refusal, a full queue or a stopped client is
// reported at once, and broker failures are logged by the publisher.
func (c *Client) PublishIntent(in fleet.Intent) error {
	if c == nil {
		return nil
	}
	if c.opts.Observer != nil && c.opts.Observer() {
		return fmt.Errorf("telemetry: publish intent: %w", fleet.ErrObserver)
	}
	select {
	case <-c.shutdown:
		return fmt.Errorf("telemetry: publish intent: %w", ErrStopped)
	default:
	}
	payload, err := encodeIntent(c.opts.Sheriff, in, c.now())
	if err != nil {
		return fmt.Errorf("telemetry: publish intent: %w", err)
	}
	select {
	case c.intentQueue <- payload:
		return nil
	default:
		total := c.intentDrops.Add(1)
		if _, ok := c.intentDropLog.Inc(); ok {
			log.Printf("Telemetry: intent queue full, dropping intent %s (%d dropped so far)", in, total)
		}
		return fmt.Errorf("telemetry: publish intent %s: %w", in, ErrIntentQueueFull)
	}
}

// Purpose: Drain the intent queue onto the broker.
// Key aspects: One publish at a time, in submission order; failures are
// counted and logged at most every 30s. Exits on Stop.
// Upstream: NewClient.
// Downstream: c.send.
func (c *Client) publishLoop() {
	defer close(c.publisherDone)
	for {
		select {
		case <-c.shutdown:
			return
		case payload := <-c.intentQueue:
			if err := c.send(c.intentTopic(), payload); err != nil {
				total := c.publishErrors.Add(1)
				if _, ok := c.publishLog.Inc(); ok {
					log.Printf("Telemetry: publish intent: %v (%d failures so far)", err, total)
				}
				continue
			}
			c.intents.Add(1)
		}
	}
}

func (c *Client) publishToBroker(topic string, payload []byte) error {
	if c.client == nil || !c.client.IsConnected() {
		return fmt.Errorf("not connected")
	}
	token := c.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(intentPublishTimeout) {
		return fmt.Errorf("timed out after %s", intentPublishTimeout)
	}
	return token.Error()
}

// Stats returns a snapshot of the traffic counters.
func (c *Client) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	return Stats{
		Reports:       c.reports.Load(),
		Printfs:       c.printfs.Load(),
		Orders:        c.orders.Load(),
		Intents:       c.intents.Load(),
		DecodeErrors:  c.decodeErrors.Load(),
		Oversized:     c.oversized.Load(),
		IntentDrops:   c.intentDrops.Load(),
		PublishErrors: c.publishErrors.Load(),
	}
}

// IsConnected returns whether the client is connected.
func (c *Client) IsConnected() bool {
	return c != nil && c.client != nil && c.client.IsConnected()
}

// Stop waits for the publisher to finish its current intent, then
// unsubscribes and closes the connection. Intents still queued are dropped.
func (c *Client) Stop() {
	if c == nil {
		return
	}
	select {
	case <-c.shutdown:
		return
	default:
	}
	close(c.shutdown)
	<-c.publisherDone
	if pending := len(c.intentQueue); pending > 0 {
		log.Printf("Telemetry: %d queued intents not sent", pending)
	}
	if c.client != nil && c.client.IsConnected() {
		c.client.Unsubscribe(c.infoTopic(), c.printfTopic(), c.ordersTopic())
		c.client.Disconnect(250)
	}
	log.Println("Telemetry: stopped")
}
