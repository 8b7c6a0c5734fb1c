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

package run

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/stbox/harddisk/pkg/configuration"
	"github.com/stbox/harddisk/pkg/devicemanager"
	"github.com/stbox/harddisk/pkg/devicemanager/types"
	"github.com/stbox/harddisk/pkg/metrics"
	"github.com/stbox/harddisk/utils/log"
)

func subMain() error {
	defer log.Sync()

	if err := configuration.Init(config.configDir); err != nil {
		return err
	}
	configuration.Watch()
	c := configuration.Current()

	opts, err := devicemanager.NewOptions(c)
	if err != nil {
		return err
	}
	dm := devicemanager.NewDiskManager(opts)
	dm.Subscribe(func(action types.Action, p *devicemanager.Partition) {
		log.Infof("partition %s %s %s (%s)", action, p.MountPoint, p.Device, p.Description)
	})
	if err := dm.Start(); err != nil {
		return err
	}
	defer dm.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	configCh := make(chan struct{}, 1)
	configuration.RegisterListenerChan(configCh)
	go watchConfig(ctx, dm, configCh)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	hc, err := metrics.NewHarddiskCollector(dm, opts.Paths)
	if err != nil {
		return err
	}
	reg.MustRegister(hc)
	exporter, err := metrics.NewEventsExporter(reg, dm)
	if err != nil {
		return err
	}
	go func() {
		_ = exporter.Start(ctx)
	}()

	go func() {
		if err := devicemanager.WatchHotplug(ctx, dm, c.UdevExclusions); err != nil {
			log.Errorf("hotplug watcher stopped: %v", err)
			stop()
		}
	}()

	srv := newHttpServer(dm, reg)
	go srv.start(ctx, config.httpAddr)

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

// watchConfig applies the settings that can change at runtime
func watchConfig(ctx context.Context, dm *devicemanager.DiskManager, configCh <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-configCh:
			idle := configuration.IdleTime()
			log.Infof("apply idle time %s", idle)
			dm.SetIdleTime(idle)
		}
	}
}
