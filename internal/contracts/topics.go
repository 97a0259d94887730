package contracts

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Topic names shared by all services.
const (
	TopicPaymentPrepare     = "payment.prepare"
	TopicPaymentPrepared    = "payment.prepared"
	TopicPaymentPrepareFail = "payment.prepared.fail"
	TopicPaymentCancel      = "payment.cancel"
	TopicPaymentCanceled    = "payment.canceled"
	TopicProductInfoRequest = "product.information.request"
	TopicProductInfoReply   = "product.information.response"
)

// Consumer group names, one per service.
const (
	GroupOrderService   = "order-service"
	GroupPaymentService = "payment-service"
	GroupProductService = "product-service"
)

// TopicRole records who produces and who consumes a topic.
type TopicRole struct {
	Producer  string   `json:"producer"`
	Consumers []string `json:"consumers"`
}

// Registry is the topic vocabulary loaded at process start. Services look up
// their subscriptions here instead of hard-coding per-service constants.
type Registry struct {
	topics map[string]TopicRole
}

// DefaultRegistry returns the built-in topic table.
func DefaultRegistry() *Registry {
	return &Registry{topics: map[string]TopicRole{
		TopicPaymentPrepare:     {Producer: GroupOrderService, Consumers: []string{GroupPaymentService}},
		TopicPaymentPrepared:    {Producer: GroupPaymentService, Consumers: []string{GroupOrderService}},
		TopicPaymentPrepareFail: {Producer: GroupPaymentService, Consumers: []string{GroupOrderService}},
		TopicPaymentCancel:      {Producer: GroupOrderService, Consumers: []string{GroupPaymentService}},
		TopicPaymentCanceled:    {Producer: GroupPaymentService, Consumers: []string{GroupOrderService}},
		TopicProductInfoRequest: {Producer: GroupOrderService, Consumers: []string{GroupProductService}},
		TopicProductInfoReply:   {Producer: GroupProductService, Consumers: []string{GroupOrderService}},
	}}
}

// LoadRegistry reads a topic table as JSON ({"topic": {"producer": ...,
// "consumers": [...]}}).
func LoadRegistry(r io.Reader) (*Registry, error) {
	var topics map[string]TopicRole
	if err := json.NewDecoder(r).Decode(&topics); err != nil {
		return nil, fmt.Errorf("decode topic registry: %w", err)
	}
	reg := &Registry{topics: topics}
	if err := reg.validate(); err != nil {
		return nil, err
	}
	return reg, nil
}

// LoadRegistryFile reads the topic table from path, or the default table when
// path is empty.
func LoadRegistryFile(path string) (*Registry, error) {
	if path == "" {
		return DefaultRegistry(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open topic registry: %w", err)
	}
	defer f.Close()
	return LoadRegistry(f)
}

func (r *Registry) validate() error {
	for topic, role := range r.topics {
		if topic == "" {
			return fmt.Errorf("topic registry: empty topic name")
		}
		if role.Producer == "" {
			return fmt.Errorf("topic registry: %s has no producer", topic)
		}
		if len(role.Consumers) == 0 {
			return fmt.Errorf("topic registry: %s has no consumers", topic)
		}
	}
	return nil
}

// Role returns the producer/consumer table entry for a topic.
func (r *Registry) Role(topic string) (TopicRole, bool) {
	role, ok := r.topics[topic]
	return role, ok
}

// SubscriptionsFor lists the topics a consumer group subscribes to.
func (r *Registry) SubscriptionsFor(group string) []string {
	var topics []string
	for topic, role := range r.topics {
		for _, c := range role.Consumers {
			if c == group {
				topics = append(topics, topic)
				break
			}
		}
	}
	return topics
}

// Topics lists all registered topic names.
func (r *Registry) Topics() []string {
	topics := make([]string, 0, len(r.topics))
	for topic := range r.topics {
		topics = append(topics, topic)
	}
	return topics
}
