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
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/procfs/blockdevice"
	"github.com/shirou/gopsutil/disk"
	"github.com/stbox/harddisk/pkg/configuration"
	"github.com/stbox/harddisk/pkg/devicemanager/device"
	"github.com/stbox/harddisk/pkg/devicemanager/types"
	"github.com/stbox/harddisk/utils/exec"
	"k8s.io/mount-utils"
	clocktesting "k8s.io/utils/clock/testing"
)

type fakeProber struct {
	mu      sync.Mutex
	devices []string
	infos   map[string]types.BlockDevice
	phys    map[string]string
}

func newFakeProber() *fakeProber {
	return &fakeProber{infos: map[string]types.BlockDevice{}, phys: map[string]string{}}
}

func (f *fakeProber) set(info types.BlockDevice, phys string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.infos[info.Name]; !ok {
		if _, part := device.SplitDeviceName(info.Name); part == 0 {
			f.devices = append(f.devices, info.Name)
		}
	}
	f.infos[info.Name] = info
	if phys != "" {
		disk, _ := device.SplitDeviceName(info.Name)
		f.phys[disk] = phys
	}
}

func (f *fakeProber) ListBlockDevices() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.devices...), nil
}

func (f *fakeProber) BlockDevInfo(name string) types.BlockDevice {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.infos[name]
	if !ok {
		return types.BlockDevice{Name: name, Error: true}
	}
	return info
}

func (f *fakeProber) PhysPath(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	disk, _ := device.SplitDeviceName(name)
	if phys, ok := f.phys[disk]; ok {
		return phys
	}
	return disk
}

type staticMounts struct {
	mu  sync.Mutex
	mps []mount.MountPoint
}

func (s *staticMounts) List() ([]mount.MountPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]mount.MountPoint(nil), s.mps...), nil
}

func (s *staticMounts) set(mps ...mount.MountPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mps = mps
}

type noStats struct{}

func (noStats) SysBlockDeviceStat(string) (blockdevice.IOStats, int, error) {
	return blockdevice.IOStats{}, 0, nil
}

type managerEnv struct {
	root     string
	paths    device.Paths
	prober   *fakeProber
	mounts   *staticMounts
	executor *exec.FakeExecutor
	opts     Options
}

func newManagerEnv(root string) *managerEnv {
	e := &managerEnv{
		root: root,
		paths: device.Paths{
			SysRoot:  filepath.Join(root, "sys"),
			ProcRoot: filepath.Join(root, "proc"),
			DevDir:   filepath.Join(root, "dev"),
		},
		prober:   newFakeProber(),
		mounts:   &staticMounts{},
		executor: exec.NewFakeExecutor(),
	}
	for _, dir := range []string{e.paths.SysBlock(), e.paths.ProcRoot, e.paths.DevDir} {
		_ = os.MkdirAll(dir, 0755)
	}
	e.opts = Options{
		Paths:    e.paths,
		Prober:   e.prober,
		Layout:   device.NewUdevLayout(e.paths.DevDir),
		Executor: e.executor,
		Mounter:  mount.NewFakeMounter(nil),
		Mounts:   e.mounts,
		Stats:    noStats{},
		Clock:    clocktesting.NewFakeClock(time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)),
		Usage: func(path string) (*disk.UsageStat, error) {
			return &disk.UsageStat{Path: path, Total: 2000, Free: 500}, nil
		},
		Machine:       "dm8000",
		HddMountPoint: filepath.Join(root, "media", "hdd"),
		HddLink:       filepath.Join(root, "hdd"),
		MovieDir:      filepath.Join(root, "hdd", "movie"),
		StaticMounts: []configuration.StaticMount{
			{MountPoint: "/media/hdd", Description: "Harddisk"},
			{MountPoint: "/", Description: "Internal Flash"},
		},
	}
	return e
}

// disk registers a whole disk with the prober and gives it a sysfs entry
func (e *managerEnv) disk(name string, removable, medium bool, partitions ...string) {
	phys := "/devices/platform/brcm-ehci.0/usb1/1-1/1-1.1/1-1.1:1.0/host1/target1:0:0/1:0:0:0"
	e.prober.set(types.BlockDevice{
		Name:        name,
		Removable:   removable,
		Partitions:  partitions,
		MediumFound: medium,
	}, phys)
	_ = os.MkdirAll(filepath.Join(e.paths.SysRoot, phys), 0755)
	_ = os.WriteFile(filepath.Join(e.paths.SysRoot, phys, "model"), []byte("ST3250310AS\n"), 0644)
	for _, p := range partitions {
		e.prober.set(types.BlockDevice{Name: p, Removable: removable, MediumFound: medium}, "")
	}
	dir := filepath.Join(e.paths.SysBlock(), name)
	_ = os.MkdirAll(filepath.Join(dir, "device"), 0755)
	_ = os.WriteFile(filepath.Join(dir, "size"), []byte("488397168\n"), 0644)
	_ = os.WriteFile(filepath.Join(dir, "device", "vendor"), []byte("ATA\n"), 0644)
	_ = os.WriteFile(filepath.Join(dir, "device", "model"), []byte("ST3250310AS\n"), 0644)
}

type event struct {
	action     types.Action
	mountPoint string
}

type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) listen(action types.Action, p *Partition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{action: action, mountPoint: p.MountPoint})
}

func (r *recorder) get() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event(nil), r.events...)
}

func mountPoints(parts []*Partition) []string {
	var mps []string
	for _, p := range parts {
		mps = append(mps, p.MountPoint)
	}
	return mps
}
