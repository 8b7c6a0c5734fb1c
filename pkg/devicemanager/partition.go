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

package devicemanager

import (
	"github.com/shirou/gopsutil/disk"
	"github.com/stbox/harddisk/pkg/devicemanager/filesystem"
	"github.com/stbox/harddisk/pkg/devicemanager/types"
	"github.com/stbox/harddisk/utils/log"
)

// UsageFunc reports filesystem usage of a mount point, disk.Usage by default
type UsageFunc func(path string) (*disk.UsageStat, error)

// Partition is a mount point offered to the user, backed by a device or not
type Partition struct {
	MountPoint  string
	Device      string
	Description string
	// ForceMounted the mount point counts as mounted without looking at the mount table
	ForceMounted bool
	IsHotplug    bool

	mounts filesystem.MountTable
	usage  UsageFunc
}

func (p *Partition) stat() (*disk.UsageStat, error) {
	usage := p.usage
	if usage == nil {
		usage = disk.Usage
	}
	return usage(p.MountPoint)
}

// Free bytes available to unprivileged users
func (p *Partition) Free() (uint64, error) {
	st, err := p.stat()
	if err != nil {
		return 0, err
	}
	return st.Free, nil
}

// Total size in bytes of the filesystem at the mount point
func (p *Partition) Total() (uint64, error) {
	st, err := p.stat()
	if err != nil {
		return 0, err
	}
	return st.Total, nil
}

func (p *Partition) Mounted() bool {
	if p.ForceMounted {
		return true
	}
	if p.mounts == nil {
		return false
	}
	mps, err := p.mounts.List()
	if err != nil {
		log.Debugf("list mounts failed: %v", err)
		return false
	}
	for _, mp := range mps {
		if mp.Path == p.MountPoint {
			return true
		}
	}
	return false
}

func (p *Partition) Info() types.PartitionInfo {
	info := types.PartitionInfo{
		MountPoint:  p.MountPoint,
		Device:      p.Device,
		Description: p.Description,
		Mounted:     p.Mounted(),
		Hotplug:     p.IsHotplug,
	}
	if st, err := p.stat(); err == nil {
		info.Free, info.Total = st.Free, st.Total
	}
	return info
}
