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

package partition

import (
	"fmt"
	"time"

	"github.com/anuvu/disko"
	"github.com/anuvu/disko/linux"
	"github.com/anuvu/disko/partid"
	"github.com/stbox/harddisk/pkg/devicemanager/types"
	"github.com/stbox/harddisk/utils"
	"github.com/stbox/harddisk/utils/exec"
	"github.com/stbox/harddisk/utils/log"
)

const (
	// legacy table: one primary partition from sector 8 to the end of the disk
	legacyLayout = "8,\nwrite\n"
	gptName      = "primary"
)

// Table writes a fresh partition table holding one partition that spans the disk
type Table interface {
	Name() string
	Create(diskPath string) error
}

// LegacyTable msdos label written by sfdisk
type LegacyTable struct {
	Executor exec.Executor
	Timeout  time.Duration
}

var _ Table = &LegacyTable{}

func (t *LegacyTable) Name() string {
	return "msdos"
}

func (t *LegacyTable) Create(diskPath string) error {
	out, err := t.Executor.ExecuteCommandWithStdin(t.Timeout, legacyLayout, types.SfdiskCmd, "-f", "-uS", diskPath)
	if err != nil {
		log.Errorf("sfdisk %s failed: %v output %s", diskPath, err, out)
		return err
	}
	return nil
}

// diskSystem the part of disko.System used to lay out a disk
type diskSystem interface {
	ScanDisk(devicePath string) (disko.Disk, error)
	Wipe(d disko.Disk) error
	CreatePartition(d disko.Disk, p disko.Partition) error
}

// GPTTable guid label written through disko, the partition starts 1MiB aligned
type GPTTable struct {
	System   diskSystem
	Executor exec.Executor
}

var _ Table = &GPTTable{}

func NewGPTTable(executor exec.Executor) *GPTTable {
	return &GPTTable{System: linux.System(), Executor: executor}
}

func (t *GPTTable) Name() string {
	return "gpt"
}

func (t *GPTTable) Create(diskPath string) error {
	disk, err := t.System.ScanDisk(diskPath)
	if err != nil {
		log.Errorf("scanDisk path %s failed: %v", diskPath, err)
		return err
	}
	if err := t.System.Wipe(disk); err != nil {
		log.Errorf("wipe %s failed: %v", diskPath, err)
		return err
	}

	disk, err = t.System.ScanDisk(diskPath)
	if err != nil {
		log.Errorf("rescan %s failed: %v", diskPath, err)
		return err
	}
	fs := disk.FreeSpaces()
	if len(fs) < 1 {
		return fmt.Errorf("path %s has no free space", diskPath)
	}

	part := disko.Partition{
		Start:  fs[0].Start,
		Last:   fs[0].Last,
		Type:   partid.LinuxFS,
		Name:   gptName,
		Number: 1,
	}
	log.Infof("create partition %+v on %s", part, diskPath)
	if err := t.System.CreatePartition(disk, part); err != nil {
		log.Errorf("create partition on disk %s failed: %v", diskPath, err)
		return err
	}
	return t.udevSettle()
}

func (t *GPTTable) udevSettle() error {
	if t.Executor == nil {
		return nil
	}
	_, err := t.Executor.ExecuteCommandWithOutput(types.UdevadmCmd, "settle")
	return err
}

// WaitForNode polls for a device node the kernel creates asynchronously after a table change
func WaitForNode(path string, retries int, interval time.Duration) error {
	return utils.UntilMaxRetry(func() error {
		if utils.FileExists(path) {
			return nil
		}
		log.Debugf("%s does not exist yet", path)
		return fmt.Errorf("%s does not exist", path)
	}, retries, interval)
}
