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

package device

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/prometheus/procfs/blockdevice"
	"github.com/stbox/harddisk/pkg/devicemanager/types"
	"github.com/stbox/harddisk/utils"
	"github.com/stbox/harddisk/utils/log"
	"golang.org/x/sys/unix"
)

// Paths roots of the kernel interfaces, replaced by fixtures in tests
type Paths struct {
	SysRoot  string
	ProcRoot string
	DevDir   string
}

func DefaultPaths() Paths {
	return Paths{
		SysRoot:  "/sys",
		ProcRoot: "/proc",
		DevDir:   "/dev",
	}
}

func (p Paths) SysBlock() string {
	return filepath.Join(p.SysRoot, "block")
}

type Prober interface {
	// ListBlockDevices list the raw block devices known to the kernel
	ListBlockDevices() ([]string, error)
	// BlockDevInfo never fails, unreadable properties set Error on the result
	BlockDevInfo(name string) types.BlockDevice
	// PhysPath bus topology of the disk backing name, relative to the sysfs root
	PhysPath(name string) string
}

type SysfsProber struct {
	Paths Paths
	fs    blockdevice.FS
}

var _ Prober = &SysfsProber{}

func NewSysfsProber(paths Paths) (*SysfsProber, error) {
	fs, err := blockdevice.NewFS(paths.ProcRoot, paths.SysRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to open block device fs: %v", err)
	}
	return &SysfsProber{Paths: paths, fs: fs}, nil
}

// Stats exposes the per device I/O counters
func (p *SysfsProber) Stats() blockdevice.FS {
	return p.fs
}

func (p *SysfsProber) ListBlockDevices() ([]string, error) {
	devices, err := p.fs.SysBlockDevices()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %v", p.Paths.SysBlock(), err)
	}
	return devices, nil
}

func (p *SysfsProber) BlockDevInfo(name string) types.BlockDevice {
	info := types.BlockDevice{Name: name}
	devDir := filepath.Join(p.Paths.SysBlock(), name)

	removable, err := utils.ReadFile(filepath.Join(devDir, "removable"))
	if err != nil {
		log.Warnf("get removable of %s failed: %v", name, err)
		info.Error = true
	}
	info.Removable = removable != "" && removable != "0"

	major, err := p.major(devDir)
	if err != nil {
		log.Warnf("get major of %s failed: %v", name, err)
		info.Error = true
	}
	switch major {
	case types.MajorLoop, types.MajorMtdBlock, types.MajorMmcBlock:
		info.Blacklisted = true
	}

	if strings.HasPrefix(name, "sr") {
		info.CDROM = true
	} else if strings.HasPrefix(name, "hd") {
		media, err := utils.ReadFile(filepath.Join(p.Paths.ProcRoot, "ide", name, "media"))
		if err != nil {
			log.Warnf("get media of %s failed: %v", name, err)
			info.Error = true
		} else if strings.Contains(media, "cdrom") {
			info.CDROM = true
		}
	}

	if !info.CDROM {
		entries, err := os.ReadDir(devDir)
		if err != nil {
			log.Warnf("list partitions of %s failed: %v", name, err)
			info.Error = true
		}
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), name) {
				info.Partitions = append(info.Partitions, e.Name())
			}
		}
	}

	info.MediumFound = p.mediumFound(name)
	return info
}

func (p *SysfsProber) major(devDir string) (int, error) {
	dev, err := utils.ReadFile(filepath.Join(devDir, "dev"))
	if err != nil {
		return -1, err
	}
	major, _, ok := strings.Cut(dev, ":")
	if !ok {
		return -1, fmt.Errorf("unexpected dev content %q", dev)
	}
	return strconv.Atoi(major)
}

// mediumFound only an explicit ENOMEDIUM means the drive is empty
func (p *SysfsProber) mediumFound(name string) bool {
	f, err := os.Open(filepath.Join(p.Paths.DevDir, name))
	if err != nil {
		return !errors.Is(err, unix.ENOMEDIUM)
	}
	_ = f.Close()
	return true
}

func (p *SysfsProber) PhysPath(name string) string {
	disk, _ := SplitDeviceName(name)
	phys, err := filepath.EvalSymlinks(filepath.Join(p.Paths.SysBlock(), disk, "device"))
	if err != nil {
		log.Warnf("resolve physical path of %s failed: %v", disk, err)
		return disk
	}
	return strings.TrimPrefix(phys, p.Paths.SysRoot)
}

// SplitDeviceName splits sdb3 into sdb and 3, a name without an all digit tail is a whole disk
func SplitDeviceName(name string) (string, int) {
	if len(name) <= 3 {
		return name, 0
	}
	part, err := strconv.Atoi(name[3:])
	if err != nil || strings.ContainsAny(name[3:], "+-") {
		return name, 0
	}
	return name[:3], part
}
