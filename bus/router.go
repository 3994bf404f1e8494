package bus

import "github.com/hupe1980/agentflow/core"

// RouteKind names the rule that resolved a message's recipients.
type RouteKind string

const (
	RouteBroadcast RouteKind = "broadcast"
	RouteDirect    RouteKind = "direct"
	RouteMulticast RouteKind = "multicast"
	RouteTopic     RouteKind = "topic"
	RouteNone      RouteKind = "none"
)

// Route is the result of resolving a message.
type Route struct {
	Kind          RouteKind
	Recipients    []core.AgentID
	Undeliverable []core.AgentID
}

// Directory is the registration view the router resolves against.
type Directory interface {
	Registered(id core.AgentID) bool
	Agents() []core.AgentID
	TopicSubscribers(topic string) []core.AgentID
}

// Router resolves recipients with a first-match rule chain:
//  1. broadcast: every registered agent except the sender
//  2. direct: a single registered target
//  3. multicast: every listed target, when at least one is registered
//  4. topic: subscribers of Content.Topic
//
// With no match the listed targets are undeliverable.
type Router struct{}

// Route resolves msg against dir.
func (Router) Route(msg core.Message, dir Directory) Route {
	if msg.IsBroadcast() {
		var rcpt []core.AgentID
		for _, id := range dir.Agents() {
			if !id.Equal(msg.From) {
				rcpt = append(rcpt, id)
			}
		}
		return Route{Kind: RouteBroadcast, Recipients: rcpt}
	}

	if msg.IsDirect() && dir.Registered(msg.To[0]) {
		return Route{Kind: RouteDirect, Recipients: []core.AgentID{msg.To[0]}}
	}

	if !msg.IsDirect() {
		var rcpt, missing []core.AgentID
		seen := map[string]bool{}
		for _, id := range msg.To {
			if seen[id.Key()] {
				continue
			}
			seen[id.Key()] = true
			if dir.Registered(id) {
				rcpt = append(rcpt, id)
			} else {
				missing = append(missing, id)
			}
		}
		if len(rcpt) > 0 {
			return Route{Kind: RouteMulticast, Recipients: rcpt, Undeliverable: missing}
		}
	}

	if msg.Content.Topic != "" {
		var rcpt []core.AgentID
		for _, id := range dir.TopicSubscribers(msg.Content.Topic) {
			if !id.Equal(msg.From) {
				rcpt = append(rcpt, id)
			}
		}
		if len(rcpt) > 0 {
			return Route{Kind: RouteTopic, Recipients: rcpt}
		}
	}

	return Route{Kind: RouteNone, Undeliverable: append([]core.AgentID(nil), msg.To...)}
}
