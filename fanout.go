package termwire

import (
	"pkt.systems/termwire/core"
	"pkt.systems/termwire/schema"
)

type eventFanout struct {
	sinks []core.EventSink
}

func (f eventFanout) OnBindingEvent(event schema.BindingEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnBindingEvent(event)
	}
}

func (f eventFanout) OnSyncEvent(event schema.SyncEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnSyncEvent(event)
	}
}
