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

package superblock

import (
	"fmt"
	"strings"

	"github.com/flashtier-io/flashtier/utils/log"
)

// DeviceInfo is the flattened, human readable view of a superblock, in the
// key set bcache-super-show prints.
type DeviceInfo struct {
	Magic            string `json:"magic"`
	Csum             string `json:"csum"`
	Version          string `json:"version"`
	Label            string `json:"label"`
	Uuid             string `json:"uuid"`
	SectorsPerBlock  string `json:"sectors_per_block"`
	SectorsPerBucket string `json:"sectors_per_bucket"`
	DataFirstSector  string `json:"data_first_sector"`
	DataCacheMode    string `json:"data_cache_mode"`
	DataCacheState   string `json:"data_cache_state"`
	CsetUuid         string `json:"cset_uuid"`

	DevicePath string `json:"device_path"`
}

/*
sb.magic		ok
sb.csum			712A837772AEBF62 [match]
sb.version		1 [backing device]

dev.label		(empty)
dev.uuid		f1fdcdb6-9661-49e9-92f1-b8f076bb7145
dev.sectors_per_block	1
dev.sectors_per_bucket	1024
dev.data.first_sector	16
dev.data.cache_mode	0 [writethrough]
dev.data.cache_state	1 [clean]

cset.uuid		2b4e7d83-19b4-4703-b31f-7b7ff54d7d6e
*/

// Dump renders the superblock in the bcache-super-show text format.
func Dump(sb *Superblock) string {
	var b strings.Builder

	roleNote := "cache device"
	if sb.Role == RoleBacking {
		roleNote = "backing device"
	}
	fmt.Fprintf(&b, "sb.magic\t\tok\n")
	fmt.Fprintf(&b, "sb.csum\t\t\t%X [match]\n", sb.Csum)
	fmt.Fprintf(&b, "sb.version\t\t%d [%s]\n\n", sb.Version, roleNote)

	label := sb.GetLabel()
	if label == "" {
		label = "(empty)"
	}
	fmt.Fprintf(&b, "dev.label\t\t%s\n", label)
	fmt.Fprintf(&b, "dev.uuid\t\t%s\n", sb.DeviceID())
	fmt.Fprintf(&b, "dev.sectors_per_block\t%d\n", sb.BlockSize)
	fmt.Fprintf(&b, "dev.sectors_per_bucket\t%d\n", sb.BucketSize)
	if sb.Role == RoleBacking {
		fmt.Fprintf(&b, "dev.data.first_sector\t%d\n", sb.DataOffset)
		mode := "0 [writethrough]"
		if sb.Writeback() {
			mode = "1 [writeback]"
		}
		fmt.Fprintf(&b, "dev.data.cache_mode\t%s\n", mode)
		state := "1 [clean]"
		if sb.Dirty() {
			state = "2 [dirty]"
		}
		fmt.Fprintf(&b, "dev.data.cache_state\t%s\n", state)
	} else {
		fmt.Fprintf(&b, "dev.first_bucket\t%d\n", sb.FirstBucket)
		fmt.Fprintf(&b, "dev.nbuckets\t\t%d\n", sb.NBuckets)
	}
	fmt.Fprintf(&b, "\ncset.uuid\t\t%s\n", sb.SetID())

	return b.String()
}

// ParseDump parses the Dump text format back into a DeviceInfo. Unknown
// keys are logged and skipped so newer tool output still parses.
func ParseDump(dump string) *DeviceInfo {
	resp := &DeviceInfo{}
	lines := strings.Split(dump, "\n")

	for _, line := range lines {
		k1 := strings.ReplaceAll(line, "\t\t\t", "\t")
		k2 := strings.ReplaceAll(k1, "\t\t", "\t")
		k := strings.Split(k2, "\t")
		if len(k) < 2 {
			continue
		}
		switch k[0] {
		case "sb.magic":
			resp.Magic = k[1]
		case "sb.csum":
			resp.Csum = k[1]
		case "sb.version":
			resp.Version = k[1]
		case "dev.label":
			resp.Label = k[1]
		case "dev.uuid":
			resp.Uuid = k[1]
		case "dev.sectors_per_block":
			resp.SectorsPerBlock = k[1]
		case "dev.sectors_per_bucket":
			resp.SectorsPerBucket = k[1]
		case "dev.data.first_sector":
			resp.DataFirstSector = k[1]
		case "dev.data.cache_mode":
			resp.DataCacheMode = k[1]
		case "dev.data.cache_state":
			resp.DataCacheState = k[1]
		case "dev.first_bucket", "dev.nbuckets", "sb.first_sector":
			// geometry detail lines, not part of the flattened view
		case "cset.uuid":
			resp.CsetUuid = k[1]
		default:
			log.Warnf("undefined field %s=%s", k[0], k[1])
		}
	}
	return resp
}
