/*
   Copyright @ 2022 The flashtier Authors.

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

	"github.com/flashtier-io/flashtier/pkg/devicehandle"
	"github.com/flashtier-io/flashtier/pkg/metrics"
	"github.com/flashtier-io/flashtier/pkg/registration"
	"github.com/flashtier-io/flashtier/pkg/registry"
	"github.com/flashtier-io/flashtier/runners"
	"github.com/flashtier-io/flashtier/utils/log"
)

func subMain() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := registry.New()
	devices := devicehandle.NewManager(devicehandle.NewSysProber())
	notifier := registration.NewNotifier()
	coordinator := registration.NewCoordinator(devices, reg, notifier)

	collector, err := metrics.NewFlashtierCollector(reg)
	if err != nil {
		return err
	}
	prometheus.MustRegister(collector)
	prometheus.MustRegister(metrics.RegistrationsTotal)

	// collaborators consume attach and running events; the node server
	// itself only logs them
	events := make(chan registration.Event, 16)
	notifier.RegisterListenerChan(events)
	go logEvents(ctx, events)

	if config.discover {
		discover := runners.NewDiscover(coordinator)
		go func() {
			if err := discover.Start(ctx); err != nil {
				log.Errorf("device discovery stopped: %v", err)
			}
		}()
	}

	server := newHTTPServer(coordinator, reg, ctx.Done())
	server.start()

	<-ctx.Done()
	log.Info("shutting down flashtier-node...")
	return nil
}

func logEvents(ctx context.Context, events <-chan registration.Event) {
	for {
		select {
		case e := <-events:
			switch e.Kind {
			case registration.EventCacheSetRunning:
				log.Infof("cache set %s is running with %d members", e.SetUUID, len(e.Members))
			case registration.EventDeviceAttached:
				if e.NeedsRecovery {
					log.Warnf("device %s attached to set %s with dirty writeback data, recovery needed",
						e.DeviceUUID, e.SetUUID)
					continue
				}
				log.Infof("%s device %s attached to set %s", e.Role, e.DeviceUUID, e.SetUUID)
			case registration.EventDeviceDetached:
				log.Infof("%s device %s detached from set %s", e.Role, e.DeviceUUID, e.SetUUID)
			}
		case <-ctx.Done():
			return
		}
	}
}
