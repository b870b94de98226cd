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

// Package runners holds the daemon's long running loops.
package runners

import (
	"context"
	"errors"
	"os"
	"regexp"
	"time"

	"github.com/anuvu/disko"
	"github.com/anuvu/disko/linux"

	"github.com/flashtier-io/flashtier/pkg/configuration"
	"github.com/flashtier-io/flashtier/pkg/devicehandle"
	"github.com/flashtier-io/flashtier/pkg/registration"
	"github.com/flashtier-io/flashtier/pkg/superblock"
	"github.com/flashtier-io/flashtier/utils/log"
)

var mysys = linux.System()

// Discover periodically scans local disks and feeds every device carrying
// a valid superblock into the registration coordinator. This is the
// auto-registration path that udev rules provide for formatted members.
type Discover struct {
	coordinator *registration.Coordinator
	// 配置变更即触发搜索本地磁盘逻辑
	configModifyChan chan struct{}
}

func NewDiscover(coordinator *registration.Coordinator) *Discover {
	d := &Discover{
		coordinator: coordinator,
	}
	// 注册监听配置变更
	d.configModifyChan = make(chan struct{}, 1)
	configuration.RegisterListenerChan(d.configModifyChan)
	return d
}

func (d *Discover) Start(ctx context.Context) error {
	log.Info("Starting device discovery...")
	// 服务启动先检查一次
	d.scanAndRegister(ctx)

	monitorInterval := configuration.DiskScanInterval()
	if monitorInterval == 0 {
		monitorInterval = 300
	}

	ticker := time.NewTicker(time.Duration(monitorInterval) * time.Second)
	// deregister instead of closing: the configuration watcher may still
	// fire after discovery stops
	defer configuration.UnregisterListenerChan(d.configModifyChan)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if configuration.DiskScanInterval() == 0 {
				ticker.Reset(300 * time.Second)
				log.Info("skip disk discovery...")
				continue
			}

			if monitorInterval != configuration.DiskScanInterval() {
				monitorInterval = configuration.DiskScanInterval()
				ticker.Reset(time.Duration(monitorInterval) * time.Second)
			}

			log.Infof("clock %d second device discovery...", configuration.DiskScanInterval())
			d.scanAndRegister(ctx)
		case <-d.configModifyChan:
			log.Info("config modify trigger disk discovery...")
			d.scanAndRegister(ctx)
		case <-ctx.Done():
			log.Info("stop device discovery...")
			return nil
		}
	}
}

// scanAndRegister feeds matching disks with a valid magic into the
// coordinator. Registration failures only get logged here, the next scan
// retries them.
func (d *Discover) scanAndRegister(ctx context.Context) {
	selectors := configuration.DiskSelector()
	if len(selectors) == 0 {
		return
	}

	matcher := func(disk disko.Disk) bool {
		for _, re := range selectors {
			matched, err := regexp.MatchString(re, disk.Name)
			if err != nil {
				log.Errorf("invalid disk selector %q: %v", re, err)
				continue
			}
			if matched {
				return true
			}
		}
		return false
	}

	diskSet, err := mysys.ScanAllDisks(matcher)
	if err != nil {
		log.Errorf("scan all disks failed: %v", err)
		return
	}

	for _, disk := range diskSet {
		if !hasValidSuperblock(disk.Path) {
			continue
		}
		result, err := d.coordinator.Register(ctx, disk.Path, nil)
		if err != nil {
			if errors.Is(err, devicehandle.ErrAlreadyClaimed) {
				// attached members keep their claim for their lifetime
				log.Debugf("skip %s, already claimed", disk.Path)
				continue
			}
			log.Warnf("auto registration of %s failed: %v", disk.Path, err)
			continue
		}
		log.Infof("auto registered %s into set %s", disk.Path, result.SetUUID)
	}
}

// hasValidSuperblock peeks at the superblock area without claiming the
// device; the coordinator re-reads it under its exclusive claim.
func hasValidSuperblock(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	raw := make([]byte, superblock.Size)
	if _, err := f.ReadAt(raw, superblock.Offset); err != nil {
		return false
	}
	_, err = superblock.Decode(raw)
	return err == nil
}
