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

// flashtier-format writes a fresh member superblock onto a device, the
// format half of the format-then-register path.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/flashtier-io/flashtier"
	"github.com/flashtier-io/flashtier/pkg/devicehandle"
	"github.com/flashtier-io/flashtier/pkg/superblock"
)

var config struct {
	cache      bool
	backing    bool
	setUUID    string
	label      string
	blockSize  uint64
	bucketSize uint64
	members    uint64
	writeback  bool
	force      bool
	show       bool
}

var rootCmd = &cobra.Command{
	Use:     "flashtier-format [flags] DEVICE",
	Version: flashtier.Version,
	Short:   "Format a block device as a cache set member",
	Args:    cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if config.show {
			return show(args[0])
		}
		return format(args[0])
	},
}

func init() {
	fs := rootCmd.Flags()
	fs.BoolVarP(&config.cache, "cache", "C", false, "Format as a cache device")
	fs.BoolVarP(&config.backing, "backing", "B", false, "Format as a backing device")
	fs.StringVar(&config.setUUID, "set-uuid", "", "Cache set uuid, generated when empty")
	fs.StringVar(&config.label, "label", "", "Member label")
	fs.Uint64Var(&config.blockSize, "block-size", 1, "Block size in 512 byte sectors")
	fs.Uint64Var(&config.bucketSize, "bucket-size", 1024, "Bucket size in sectors, cache devices only")
	fs.Uint64Var(&config.members, "members", 1, "Declared member count of the cache set")
	fs.BoolVar(&config.writeback, "writeback", false, "Enable writeback cache mode, backing devices only")
	fs.BoolVar(&config.force, "force", false, "Overwrite an existing valid superblock")
	fs.BoolVar(&config.show, "show", false, "Print the existing superblock instead of formatting")
}

func format(device string) error {
	if config.cache == config.backing {
		return errors.New("exactly one of --cache and --backing must be given")
	}
	if config.cache && config.bucketSize == 0 {
		return errors.New("--bucket-size must not be zero")
	}

	setUUID := uuid.New()
	if config.setUUID != "" {
		var err error
		if setUUID, err = uuid.Parse(config.setUUID); err != nil {
			return fmt.Errorf("invalid set uuid: %v", err)
		}
	}

	capacity, err := devicehandle.NewSysProber().Probe(device)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	existing := make([]byte, superblock.Size)
	if _, err := f.ReadAt(existing, superblock.Offset); err == nil {
		if _, err := superblock.Decode(existing); err == nil && !config.force {
			return fmt.Errorf("%s already carries a valid superblock, use --force to overwrite", device)
		}
	}

	var sb *superblock.Superblock
	if config.cache {
		nbuckets := capacity / config.bucketSize
		sb = superblock.NewCache(setUUID, uuid.New(), config.blockSize, config.bucketSize, nbuckets, config.members)
	} else {
		sb = superblock.NewBacking(setUUID, uuid.New(), config.blockSize, config.members)
		if config.writeback {
			sb.Flags |= superblock.FlagWriteback
		}
	}
	sb.SetLabel(config.label)

	if err := superblock.Validate(sb, capacity); err != nil {
		return err
	}
	raw := superblock.Encode(sb)
	if _, err := f.WriteAt(raw, superblock.Offset); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}

	// dump what landed on disk, checksum included
	written, err := superblock.Decode(raw)
	if err != nil {
		return err
	}
	fmt.Print(superblock.Dump(written))
	return nil
}

func show(device string) error {
	f, err := os.Open(device)
	if err != nil {
		return err
	}
	defer f.Close()

	raw := make([]byte, superblock.Size)
	if _, err := f.ReadAt(raw, superblock.Offset); err != nil {
		return err
	}
	sb, err := superblock.Decode(raw)
	if err != nil {
		return err
	}
	fmt.Print(superblock.Dump(sb))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
