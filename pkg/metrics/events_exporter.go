/*
   Copyright @ 2021 bocloud <fushaosong@beyondcent.com>.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stbox/harddisk/pkg/devicemanager"
	"github.com/stbox/harddisk/pkg/devicemanager/types"
	"github.com/stbox/harddisk/utils/log"
)

// Subscriber is the part of DiskManager the events exporter needs
type Subscriber interface {
	Subscribe(fn devicemanager.Listener) func()
	Partitions() []*devicemanager.Partition
}

type partitionEvent struct {
	action    types.Action
	device    string
	triggerAt time.Time
}

// EventsExporter counts partition list changes
type EventsExporter struct {
	events     *prometheus.CounterVec
	partitions prometheus.Gauge
	dm         Subscriber

	updateChannel chan partitionEvent
}

func NewEventsExporter(reg prometheus.Registerer, dm Subscriber) (*EventsExporter, error) {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: partitionSubSystem,
		Name:      "events_total",
		Help:      "Partition list changes by action.",
	}, []string{"action", "hotplug"})

	partitions := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: partitionSubSystem,
		Name:      "count",
		Help:      "The number of known partitions.",
	})

	for _, c := range []prometheus.Collector{events, partitions} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return &EventsExporter{
		events:     events,
		partitions: partitions,
		dm:         dm,
		// Buffer up to 500 events
		updateChannel: make(chan partitionEvent, 500),
	}, nil
}

func (m *EventsExporter) listen(action types.Action, p *devicemanager.Partition) {
	hotplug := "false"
	if p.IsHotplug {
		hotplug = "true"
	}
	m.events.WithLabelValues(string(action), hotplug).Inc()

	select {
	case m.updateChannel <- partitionEvent{action: action, device: p.Device, triggerAt: time.Now()}:
	default:
		log.Warnf("events exporter is lagging, drop %s %s", action, p.Device)
	}
}

// Start refreshes the gauges on every partition list change until ctx is done
func (m *EventsExporter) Start(ctx context.Context) error {
	log.Infof("Starting eventsExporter")
	defer log.Infof("Shutting down eventsExporter")

	cancel := m.dm.Subscribe(m.listen)
	defer cancel()

	m.partitions.Set(float64(len(m.dm.Partitions())))
	for {
		select {
		case ev := <-m.updateChannel:
			log.Debugf("Update metric, trigger: %s %s, trigger at: %v", ev.action, ev.device, ev.triggerAt.Format("2006-01-02 15:04:05.000000000"))
			m.partitions.Set(float64(len(m.dm.Partitions())))
		case <-ctx.Done():
			return nil
		}
	}
}
