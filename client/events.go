package client

import (
	"github.com/cskr/pubsub/v2"

	"github.com/user/nearby-connections/platform"
)

const eventsTopic = "client"

// EventType names a state change on a Proxy.
type EventType int

const (
	AdvertisingStarted EventType = iota
	AdvertisingStopped
	DiscoveryStarted
	DiscoveryStopped
	EndpointFound
	EndpointLost
	ConnectionInitiated
	ConnectionAccepted
	ConnectionRejected
	Disconnected
	BandwidthChanged
)

func (t EventType) String() string {
	switch t {
	case AdvertisingStarted:
		return "ADVERTISING_STARTED"
	case AdvertisingStopped:
		return "ADVERTISING_STOPPED"
	case DiscoveryStarted:
		return "DISCOVERY_STARTED"
	case DiscoveryStopped:
		return "DISCOVERY_STOPPED"
	case EndpointFound:
		return "ENDPOINT_FOUND"
	case EndpointLost:
		return "ENDPOINT_LOST"
	case ConnectionInitiated:
		return "CONNECTION_INITIATED"
	case ConnectionAccepted:
		return "CONNECTION_ACCEPTED"
	case ConnectionRejected:
		return "CONNECTION_REJECTED"
	case Disconnected:
		return "DISCONNECTED"
	case BandwidthChanged:
		return "BANDWIDTH_CHANGED"
	default:
		return "UNKNOWN"
	}
}

// Event is what subscribers receive. Fields that do not apply to Type are
// left zero.
type Event struct {
	Type         EventType
	ServiceID    string
	EndpointID   string
	EndpointInfo []byte
	Medium       platform.Medium
	Incoming     bool
}

// Subscription is a live event stream. Cancel stops delivery and closes C.
type Subscription struct {
	C      <-chan Event
	cancel func()
}

func (s Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

type eventBus struct {
	*pubsub.PubSub[string, Event]
}

func newEventBus() eventBus {
	return eventBus{PubSub: pubsub.New[string, Event](16)}
}

// publish drops the event for subscribers whose buffer is full rather
// than stall the proxy.
func (b eventBus) publish(ev Event) {
	b.TryPub(ev, eventsTopic)
}

func (b eventBus) subscribe() Subscription {
	ch := b.Sub(eventsTopic)
	return Subscription{
		C: ch,
		cancel: func() {
			go b.Unsub(ch, eventsTopic)
		},
	}
}
