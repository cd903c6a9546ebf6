package httpapi

import (
	"log"

	"github.com/agentctl/controlplane/internal/events"
)

// DashboardChannel is a notifications.NotificationChannel that forwards
// every routed event onto the websocket hub, following the same
// Name/ShouldNotify/Send shape as the external.DiscordNotifier/SlackNotifier
// channels; it has no filtering of its own because notifications.WatcherService
// has already applied watch-type and quiet-hours filtering before routing.
type DashboardChannel struct {
	hub *Hub
}

// NewDashboardChannel wraps hub as a notification channel.
func NewDashboardChannel(hub *Hub) *DashboardChannel {
	return &DashboardChannel{hub: hub}
}

// Name identifies this channel to notifications.Router.
func (d *DashboardChannel) Name() string { return "dashboard" }

// ShouldNotify always accepts; filtering already happened upstream.
func (d *DashboardChannel) ShouldNotify(events.Event) bool { return true }

// Send pushes the event to every connected dashboard client.
func (d *DashboardChannel) Send(ev events.Event) error {
	d.hub.BroadcastWatcherEvent(ev)
	return nil
}

// BridgeEvents subscribes to every event on bus and fans matching ones out
// to the dashboard hub, consuming bus.Subscribe("all", nil) in a goroutine
// until the channel closes.
func BridgeEvents(bus *events.Bus, hub *Hub) {
	ch := bus.Subscribe("all", nil)
	log.Printf("[HTTPAPI] bridging event bus to %d dashboard clients", hub.ClientCount())

	go func() {
		for ev := range ch {
			switch ev.Type {
			case events.EventResponderHit:
				hub.BroadcastResponderHit(ev)
			case events.EventTaskAssigned, events.EventTaskClaimed:
				hub.BroadcastSessionUpdate(ev)
			default:
				hub.BroadcastTaskEvent(ev)
			}
		}
	}()
}
