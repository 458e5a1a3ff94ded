package thermo

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// NewMQTTClient builds and connects an MQTT client for result publishing.
// Environment variables take precedence over the config. If no broker is set,
// publishing is disabled and this returns nil, nil.
func NewMQTTClient(cfg MQTTConfig) (mqtt.Client, error) {
	broker := envOr("MQTT_BROKER", cfg.Broker)
	if broker == "" {
		log.Println("[MQTT] disabled: MQTT_BROKER not set")
		return nil, nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	clientID := envOr("MQTT_CLIENT_ID", cfg.ClientID)
	if clientID == "" {
		clientID = "thermoplate"
	}
	opts.SetClientID(clientID)

	if username := envOr("MQTT_USERNAME", cfg.Username); username != "" {
		opts.SetUsername(username)
		opts.SetPassword(envOr("MQTT_PASSWORD", cfg.Password))
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Printf("[MQTT] connected to %s", broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("[MQTT] connection interrupted (%v), auto-reconnect will retry", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		// ConnectRetry keeps trying in the background.
		log.Printf("[MQTT] connection to %s still pending", broker)
		return client, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to MQTT broker %s: %w", broker, err)
	}
	return client, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// BiasSummary is the retained message published for a device's bias map.
type BiasSummary struct {
	DeviceID      string                    `json:"device_id"`
	Rows          int                       `json:"rows"`
	Cols          int                       `json:"cols"`
	BaselineCount int                       `json:"baseline_count"`
	MeanAbsBias   float64                   `json:"mean_abs_bias"`
	MaxAbsBias    float64                   `json:"max_abs_bias"`
	MeasuredCells map[StageKey]CountSummary `json:"measured_cells,omitempty"`
	Timestamp     int64                     `json:"timestamp"`
}

// RankingMessage is the retained message published for a plate type ranking.
type RankingMessage struct {
	PlateType string             `json:"plate_type"`
	SortBy    string             `json:"sort_by"`
	Top       []CoefficientScore `json:"top"`
	Timestamp int64              `json:"timestamp"`
}

// ResultPublisher publishes bias summaries and coefficient rankings to MQTT.
type ResultPublisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	mu            sync.Mutex
}

// NewResultPublisher creates a publisher. If client is nil, every publish
// returns an error. MQTT_PUBLISH_PREFIX overrides prefix.
func NewResultPublisher(client mqtt.Client, prefix string) *ResultPublisher {
	prefix = envOr("MQTT_PUBLISH_PREFIX", prefix)
	if prefix == "" {
		prefix = "thermoplate"
	}
	return &ResultPublisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,
		retain:        true,
	}
}

// NewConfiguredPublisher creates a publisher with the prefix, QoS and retain
// flag from cfg. MQTT_QOS and MQTT_RETAIN override the config; unparsable
// values are logged and ignored.
func NewConfiguredPublisher(client mqtt.Client, cfg MQTTConfig) *ResultPublisher {
	p := NewResultPublisher(client, cfg.PublishPrefix)

	qos := cfg.QoS
	if v := os.Getenv("MQTT_QOS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 && n <= 2 {
			qos = n
		} else {
			log.Printf("[MQTT] ignoring MQTT_QOS=%q", v)
		}
	}
	if qos >= 0 && qos <= 2 {
		p.SetQoS(byte(qos))
	}

	retain := true
	if cfg.Retain != nil {
		retain = *cfg.Retain
	}
	if v := os.Getenv("MQTT_RETAIN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			retain = b
		} else {
			log.Printf("[MQTT] ignoring MQTT_RETAIN=%q", v)
		}
	}
	p.SetRetain(retain)
	return p
}

// Prefix returns the topic prefix.
func (p *ResultPublisher) Prefix() string { return p.publishPrefix }

// SummarizeBias reduces a bias map to its published summary.
func SummarizeBias(bm *BiasMap) BiasSummary {
	s := BiasSummary{
		DeviceID:      bm.DeviceID,
		Rows:          bm.Rows,
		Cols:          bm.Cols,
		BaselineCount: len(bm.Baselines),
		MeasuredCells: bm.MeasuredCells,
		Timestamp:     time.Now().Unix(),
	}
	var sum float64
	var n int
	for _, row := range bm.BiasAll {
		for _, v := range row {
			a := math.Abs(v)
			sum += a
			n++
			if a > s.MaxAbsBias {
				s.MaxAbsBias = a
			}
		}
	}
	if n > 0 {
		s.MeanAbsBias = sum / float64(n)
	}
	return s
}

// PublishBias publishes a device's bias summary to {prefix}/bias/{device}.
func (p *ResultPublisher) PublishBias(bm *BiasMap) error {
	if bm == nil {
		return fmt.Errorf("nil bias map")
	}
	topic := fmt.Sprintf("%s/bias/%s", p.publishPrefix, safeName(bm.DeviceID))
	if err := p.publish(topic, SummarizeBias(bm)); err != nil {
		return err
	}
	log.Printf("[MQTT] published bias summary for %s", bm.DeviceID)
	return nil
}

// PublishRanking publishes the top coefficient scores of a plate type to
// {prefix}/rollup/{plate}.
func (p *ResultPublisher) PublishRanking(plateType, sortBy string, rows []CoefficientScore) error {
	if rows == nil {
		rows = []CoefficientScore{}
	}
	msg := RankingMessage{
		PlateType: plateType,
		SortBy:    sortBy,
		Top:       rows,
		Timestamp: time.Now().Unix(),
	}
	topic := fmt.Sprintf("%s/rollup/%s", p.publishPrefix, safeName(plateType))
	if err := p.publish(topic, msg); err != nil {
		return err
	}
	log.Printf("[MQTT] published ranking for type %s (%d rows)", plateType, len(rows))
	return nil
}

func (p *ResultPublisher) publish(topic string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", topic, err)
	}
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *ResultPublisher) SetQoS(qos byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *ResultPublisher) SetRetain(retain bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retain = retain
}
