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
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stbox/harddisk/pkg/configuration"
	"github.com/stbox/harddisk/pkg/devicemanager/device"
	"github.com/stbox/harddisk/pkg/devicemanager/filesystem"
	"github.com/stbox/harddisk/pkg/devicemanager/harddisk"
	"github.com/stbox/harddisk/pkg/devicemanager/partition"
	"github.com/stbox/harddisk/pkg/devicemanager/types"
	"github.com/stbox/harddisk/utils"
	"github.com/stbox/harddisk/utils/exec"
	"github.com/stbox/harddisk/utils/log"
	"github.com/stbox/harddisk/utils/mutx"
	"k8s.io/mount-utils"
	"k8s.io/utils/clock"
)

// Options collaborators of the DiskManager, see NewOptions for the real ones
type Options struct {
	Paths    device.Paths
	Prober   device.Prober
	Layout   device.Layout
	Executor exec.Executor
	Mounter  mount.Interface
	Mounts   filesystem.MountTable
	Stats    harddisk.StatReader
	Clock    clock.WithTicker
	Usage    UsageFunc
	Legacy   partition.Table
	GPT      partition.Table

	Machine        string
	IdleTime       time.Duration
	HddMountPoint  string
	HddLink        string
	MovieDir       string
	CommandTimeout time.Duration
	StaticMounts   []configuration.StaticMount
}

// NewOptions wires the kernel backed implementations for c
func NewOptions(c configuration.Config) (Options, error) {
	paths := device.DefaultPaths()
	prober, err := device.NewSysfsProber(paths)
	if err != nil {
		return Options{}, err
	}
	executor := &exec.CommandExecutor{}
	timeout := c.CommandTimeout
	if timeout == 0 {
		timeout = configuration.DefaultCommandTimeout
	}
	return Options{
		Paths:          paths,
		Prober:         prober,
		Layout:         device.DetectLayout(paths),
		Executor:       executor,
		Mounter:        mount.New(""),
		Mounts:         filesystem.NewProcMounts(paths.ProcRoot),
		Stats:          prober.Stats(),
		Clock:          clock.RealClock{},
		Legacy:         &partition.LegacyTable{Executor: executor, Timeout: timeout},
		GPT:            partition.NewGPTTable(executor),
		Machine:        c.Machine,
		IdleTime:       time.Duration(c.IdleTime) * time.Second,
		HddMountPoint:  c.HddMountPoint,
		HddLink:        c.HddLink,
		MovieDir:       c.MovieDir,
		CommandTimeout: timeout,
		StaticMounts:   c.StaticMounts,
	}, nil
}

// Listener observes changes of the partition list, it runs synchronously and may query the manager
type Listener func(action types.Action, p *Partition)

type subscriber struct {
	id int
	fn Listener
}

// HDDEntry a disk with its display label
type HDDEntry struct {
	Label string
	Disk  *harddisk.Harddisk
}

// DiskManager registry of the disks and partitions of the box
type DiskManager struct {
	opts      Options
	locks     *mutx.GlobalLocks
	lifecycle sync.Mutex

	mu            sync.RWMutex
	hdd           []*harddisk.Harddisk
	partitions    []*Partition
	cd            string
	scannedOnInit []types.ScannedDevice
	idleTime      time.Duration
	shutdown      bool

	subMu       sync.Mutex
	subscribers []subscriber
	nextID      int
}

func NewDiskManager(opts Options) *DiskManager {
	if opts.Paths == (device.Paths{}) {
		opts.Paths = device.DefaultPaths()
	}
	if opts.Layout == nil {
		opts.Layout = device.NewUdevLayout(opts.Paths.DevDir)
	}
	if opts.Mounts == nil {
		opts.Mounts = filesystem.NewProcMounts(opts.Paths.ProcRoot)
	}
	if opts.StaticMounts == nil {
		opts.StaticMounts = configuration.DefaultStaticMounts()
	}
	return &DiskManager{
		opts:     opts,
		locks:    mutx.NewGlobalLocks(),
		idleTime: opts.IdleTime,
	}
}

// Start enumerates the block devices and registers the static mount points
func (dm *DiskManager) Start() error {
	if err := dm.EnumerateBlockDevices(); err != nil {
		return err
	}
	for _, sm := range dm.opts.StaticMounts {
		dm.addPartition(dm.newPartition(sm.MountPoint, "", sm.Description, false), false)
	}
	return nil
}

// Shutdown stops every idle monitor, the manager must not be used afterwards
func (dm *DiskManager) Shutdown() {
	dm.mu.Lock()
	dm.shutdown = true
	disks := dm.hdd
	dm.hdd = nil
	dm.mu.Unlock()

	for _, hd := range disks {
		hd.Stop()
	}
	log.Info("disk manager stopped")
}

func (dm *DiskManager) EnumerateBlockDevices() error {
	log.Info("enumerating block devices...")
	devices, err := dm.opts.Prober.ListBlockDevices()
	if err != nil {
		log.Errorf("enumerating block devices failed: %v", err)
		return err
	}
	for _, name := range devices {
		info := dm.AddHotplugPartition(name, "")
		if !info.Error && !info.Blacklisted {
			if info.MediumFound {
				for _, part := range info.Partitions {
					dm.AddHotplugPartition(part, "")
				}
			}
			dm.mu.Lock()
			dm.scannedOnInit = append(dm.scannedOnInit, types.ScannedDevice{
				Name:        name,
				Removable:   info.Removable,
				CDROM:       info.CDROM,
				MediumFound: info.MediumFound,
			})
			dm.mu.Unlock()
		}
	}
	return nil
}

// AddHotplugPartition probes name and registers its disk and autofs partition
func (dm *DiskManager) AddHotplugPartition(name, physdev string) types.BlockDevice {
	if physdev == "" {
		physdev = dm.opts.Prober.PhysPath(name)
	}

	info := dm.opts.Prober.BlockDevInfo(name)
	log.Infof("add hotplug partition %s %s %+v", name, physdev, info)

	if info.CDROM {
		dm.mu.Lock()
		dm.cd = name
		dm.mu.Unlock()
	}
	if info.Blacklisted {
		return info
	}

	if !utils.HasDigitSuffix(name) && !info.Removable && !info.CDROM {
		dm.addHarddisk(name)
	}

	if (!info.Removable || info.MediumFound) && !dm.isHardMounted(name) {
		desc := dm.GetUserfriendlyDeviceName(name, physdev)
		p := dm.newPartition(types.AutofsPrefix+name+"/", name, desc, true)
		p.IsHotplug = true
		dm.addPartition(p, true)
	}
	return info
}

func (dm *DiskManager) addHarddisk(name string) {
	dm.mu.RLock()
	exists := dm.findDisk(name) >= 0
	shutdown := dm.shutdown
	dm.mu.RUnlock()
	if exists || shutdown {
		return
	}

	hd := harddisk.NewHarddisk(name, dm.harddiskOptions())

	dm.mu.Lock()
	if dm.findDisk(name) >= 0 || dm.shutdown {
		dm.mu.Unlock()
		hd.Stop()
		return
	}
	dm.hdd = append(dm.hdd, hd)
	sort.Slice(dm.hdd, func(i, j int) bool {
		return dm.hdd[i].Device() < dm.hdd[j].Device()
	})
	idle := dm.idleTime
	dm.mu.Unlock()

	hd.SetIdleTime(idle)
}

func (dm *DiskManager) harddiskOptions() harddisk.Options {
	return harddisk.Options{
		Paths:          dm.opts.Paths,
		Layout:         dm.opts.Layout,
		Executor:       dm.opts.Executor,
		Mounter:        dm.opts.Mounter,
		Mounts:         dm.opts.Mounts,
		Stats:          dm.opts.Stats,
		Clock:          dm.opts.Clock,
		Registry:       dm,
		Locks:          dm.locks,
		Lifecycle:      &dm.lifecycle,
		Legacy:         dm.opts.Legacy,
		GPT:            dm.opts.GPT,
		HddMountPoint:  dm.opts.HddMountPoint,
		HddLink:        dm.opts.HddLink,
		MovieDir:       dm.opts.MovieDir,
		CommandTimeout: dm.opts.CommandTimeout,
	}
}

// findDisk callers hold mu
func (dm *DiskManager) findDisk(name string) int {
	for i, hd := range dm.hdd {
		if hd.Device() == name {
			return i
		}
	}
	return -1
}

func (dm *DiskManager) newPartition(mountPoint, device, desc string, forceMounted bool) *Partition {
	return &Partition{
		MountPoint:   mountPoint,
		Device:       device,
		Description:  desc,
		ForceMounted: forceMounted,
		mounts:       dm.opts.Mounts,
		usage:        dm.opts.Usage,
	}
}

// addPartition registers p unless its mount point is known, then publishes the add
func (dm *DiskManager) addPartition(p *Partition, notify bool) bool {
	dm.mu.Lock()
	for _, x := range dm.partitions {
		if x.MountPoint == p.MountPoint {
			dm.mu.Unlock()
			return false
		}
	}
	dm.partitions = append(dm.partitions, p)
	dm.mu.Unlock()

	if notify {
		dm.publish(types.ActionAdd, p)
	}
	return true
}

// isHardMounted mounted somewhere other than below the autofs root
func (dm *DiskManager) isHardMounted(name string) bool {
	mps, err := dm.opts.Mounts.List()
	if err != nil {
		log.Debugf("list mounts failed: %v", err)
		return false
	}
	for _, mp := range mps {
		if strings.Contains(mp.Path, strings.TrimSuffix(types.AutofsPrefix, "/")) {
			continue
		}
		if strings.Contains(mp.Device, name) || strings.Contains(mp.Path, name) {
			return true
		}
	}
	return false
}

// RemoveHotplugPartition unregisters name, publishes the removes and stops its disk
func (dm *DiskManager) RemoveHotplugPartition(name string) {
	mountPoint := types.AutofsPrefix + name + "/"

	var removed []*Partition
	var hd *harddisk.Harddisk
	dm.mu.Lock()
	kept := dm.partitions[:0:0]
	for _, p := range dm.partitions {
		if p.MountPoint == mountPoint {
			removed = append(removed, p)
			continue
		}
		kept = append(kept, p)
	}
	dm.partitions = kept
	if !utils.HasDigitSuffix(name) {
		if i := dm.findDisk(name); i >= 0 {
			hd = dm.hdd[i]
			dm.hdd = append(dm.hdd[:i:i], dm.hdd[i+1:]...)
		}
	}
	dm.mu.Unlock()

	log.Infof("remove hotplug partition %s", name)
	for _, p := range removed {
		dm.publish(types.ActionRemove, p)
	}
	if hd != nil {
		hd.Stop()
	}
}

// AddMountedPartition registers a mount point made by someone else
func (dm *DiskManager) AddMountedPartition(mountPoint, desc string) {
	dm.addPartition(dm.newPartition(mountPoint, "", desc, false), true)
}

func (dm *DiskManager) RemoveMountedPartition(mountPoint string) {
	var removed []*Partition
	dm.mu.Lock()
	kept := dm.partitions[:0:0]
	for _, p := range dm.partitions {
		if p.MountPoint == mountPoint {
			removed = append(removed, p)
			continue
		}
		kept = append(kept, p)
	}
	dm.partitions = kept
	dm.mu.Unlock()

	for _, p := range removed {
		dm.publish(types.ActionRemove, p)
	}
}

// Subscribe registers fn for partition list changes, the returned func unregisters it
func (dm *DiskManager) Subscribe(fn Listener) func() {
	dm.subMu.Lock()
	defer dm.subMu.Unlock()
	dm.nextID++
	id := dm.nextID
	dm.subscribers = append(dm.subscribers, subscriber{id: id, fn: fn})
	return func() {
		dm.subMu.Lock()
		defer dm.subMu.Unlock()
		for i, s := range dm.subscribers {
			if s.id == id {
				dm.subscribers = append(dm.subscribers[:i:i], dm.subscribers[i+1:]...)
				return
			}
		}
	}
}

func (dm *DiskManager) publish(action types.Action, p *Partition) {
	dm.subMu.Lock()
	subs := append([]subscriber(nil), dm.subscribers...)
	dm.subMu.Unlock()

	for _, s := range subs {
		s.fn(action, p)
	}
}

func (dm *DiskManager) GetUserfriendlyDeviceName(dev, phys string) string {
	return UserfriendlyDeviceName(dm.opts.Paths.SysRoot, dm.opts.Machine, dev, phys)
}

func (dm *DiskManager) HDDCount() int {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return len(dm.hdd)
}

// Disks snapshot sorted by device
func (dm *DiskManager) Disks() []*harddisk.Harddisk {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return append([]*harddisk.Harddisk(nil), dm.hdd...)
}

func (dm *DiskManager) Disk(name string) (*harddisk.Harddisk, bool) {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	if i := dm.findDisk(name); i >= 0 {
		return dm.hdd[i], true
	}
	return nil, false
}

// HDDList labels every disk whose model can still be read
func (dm *DiskManager) HDDList() []HDDEntry {
	var list []HDDEntry
	for _, hd := range dm.Disks() {
		model, err := hd.Model()
		if err != nil {
			continue
		}
		label := fmt.Sprintf("%s - %s", model, hd.Bus())
		if capacity := hd.Capacity(); capacity != "" {
			label += " (" + capacity + ")"
		}
		list = append(list, HDDEntry{Label: label, Disk: hd})
	}
	return list
}

// Partitions snapshot in registration order
func (dm *DiskManager) Partitions() []*Partition {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return append([]*Partition(nil), dm.partitions...)
}

// GetMountedPartitions mounted partitions, a whole disk is hidden when one of its partitions is listed
func (dm *DiskManager) GetMountedPartitions(onlyHotplug bool) []*Partition {
	var parts []*Partition
	for _, p := range dm.Partitions() {
		if (p.IsHotplug || !onlyHotplug) && p.Mounted() {
			parts = append(parts, p)
		}
	}

	devs := map[string]bool{}
	for _, p := range parts {
		if p.Device != "" {
			devs[p.Device] = true
		}
	}
	for name := range devs {
		disk, part := device.SplitDeviceName(name)
		if part != 0 && devs[disk] {
			delete(devs, disk)
		}
	}

	var result []*Partition
	for _, p := range parts {
		if p.Device == "" || devs[p.Device] {
			result = append(result, p)
		}
	}
	return result
}

// CD the last optical drive seen
func (dm *DiskManager) CD() string {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.cd
}

func (dm *DiskManager) DevicesScannedOnInit() []types.ScannedDevice {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return append([]types.ScannedDevice(nil), dm.scannedOnInit...)
}

// SetIdleTime applies to every disk, present and future
func (dm *DiskManager) SetIdleTime(idle time.Duration) {
	dm.mu.Lock()
	dm.idleTime = idle
	disks := append([]*harddisk.Harddisk(nil), dm.hdd...)
	dm.mu.Unlock()

	for _, hd := range disks {
		hd.SetIdleTime(idle)
	}
}
