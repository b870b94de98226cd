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

package devicehandle

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/prometheus/procfs/blockdevice"

	"github.com/flashtier-io/flashtier/utils"
	"github.com/flashtier-io/flashtier/utils/exec"
	"github.com/flashtier-io/flashtier/utils/log"
)

// Prober reports a device's size in 512-byte sectors.
type Prober interface {
	Probe(name string) (uint64, error)
}

// SysProber probes real devices through blockdev, with sysfs used to sanity
// check whole-disk names. Regular files probe by their file size so loop
// file setups work the same way.
type SysProber struct {
	Executor exec.Executor
}

func NewSysProber() *SysProber {
	return &SysProber{Executor: &exec.CommandExecutor{}}
}

func (p *SysProber) Probe(name string) (uint64, error) {
	info, err := os.Stat(name)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return 0, err
	}

	if info.Mode().IsRegular() {
		return uint64(info.Size()) / 512, nil
	}

	if devices, err := sysBlockDevices(); err == nil {
		kname := strings.TrimPrefix(filepath.Base(name), "/dev/")
		if !utils.ContainsString(devices, kname) {
			// partitions and dm devices are not listed at the top level
			log.Debugf("%s not in sysfs block device list, probing anyway", kname)
		}
	}

	out, err := p.Executor.ExecuteCommandWithOutput("blockdev", "--getsize64", name)
	if err != nil {
		if code, ok := exec.ExitStatus(err); ok {
			return 0, fmt.Errorf("blockdev --getsize64 %s: exit status %d: %s", name, code, out)
		}
		return 0, fmt.Errorf("blockdev --getsize64 %s: %v", name, err)
	}
	bytes, err := strconv.ParseUint(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected blockdev output %q: %v", out, err)
	}
	return bytes / 512, nil
}

func sysBlockDevices() ([]string, error) {
	fs, err := blockdevice.NewFS("/proc", "/sys")
	if err != nil {
		return nil, err
	}
	return fs.SysBlockDevices()
}

// FixedProber returns a constant capacity, used by tests and by callers
// that already know the device geometry.
type FixedProber struct {
	Sectors uint64
	Err     error
}

func (p *FixedProber) Probe(name string) (uint64, error) {
	return p.Sectors, p.Err
}
