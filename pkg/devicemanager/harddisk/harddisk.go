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

package harddisk

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stbox/harddisk/pkg/devicemanager/device"
	"github.com/stbox/harddisk/pkg/devicemanager/filesystem"
	"github.com/stbox/harddisk/pkg/devicemanager/partition"
	"github.com/stbox/harddisk/pkg/devicemanager/types"
	"github.com/stbox/harddisk/utils"
	"github.com/stbox/harddisk/utils/exec"
	"github.com/stbox/harddisk/utils/log"
	"github.com/stbox/harddisk/utils/mutx"
	"k8s.io/mount-utils"
	"k8s.io/utils/clock"
)

const (
	defaultNodeRetries  = 9
	defaultNodeInterval = time.Second
)

var trailingDigits = regexp.MustCompile(`(\d+)$`)

// Remover drops a device from the registry that owns the disk
type Remover interface {
	RemoveHotplugPartition(device string)
}

// Options collaborators of a Harddisk, zero values are replaced by the real implementations
type Options struct {
	Paths    device.Paths
	Layout   device.Layout
	Executor exec.Executor
	Mounter  mount.Interface
	Mounts   filesystem.MountTable
	Stats    StatReader
	Clock    clock.WithTicker
	Registry Remover

	// Locks single flight per device, Lifecycle serializes the destructive tools of all disks
	Locks     *mutx.GlobalLocks
	Lifecycle *sync.Mutex

	Legacy partition.Table
	GPT    partition.Table

	HddMountPoint  string
	HddLink        string
	MovieDir       string
	CommandTimeout time.Duration
	NodeRetries    int
	NodeInterval   time.Duration
}

func (o *Options) complete() {
	if o.Paths == (device.Paths{}) {
		o.Paths = device.DefaultPaths()
	}
	if o.Layout == nil {
		o.Layout = device.NewUdevLayout(o.Paths.DevDir)
	}
	if o.Executor == nil {
		o.Executor = &exec.CommandExecutor{}
	}
	if o.Mounter == nil {
		o.Mounter = mount.New("")
	}
	if o.Mounts == nil {
		o.Mounts = filesystem.NewProcMounts(o.Paths.ProcRoot)
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	if o.Locks == nil {
		o.Locks = mutx.NewGlobalLocks()
	}
	if o.Lifecycle == nil {
		o.Lifecycle = &sync.Mutex{}
	}
	if o.CommandTimeout == 0 {
		o.CommandTimeout = 30 * time.Minute
	}
	if o.Legacy == nil {
		o.Legacy = &partition.LegacyTable{Executor: o.Executor, Timeout: o.CommandTimeout}
	}
	if o.GPT == nil {
		o.GPT = partition.NewGPTTable(o.Executor)
	}
	if o.HddMountPoint == "" {
		o.HddMountPoint = "/media/hdd"
	}
	if o.HddLink == "" {
		o.HddLink = "/hdd"
	}
	if o.MovieDir == "" {
		o.MovieDir = filepath.Join(o.HddLink, "movie")
	}
	if o.NodeRetries == 0 {
		o.NodeRetries = defaultNodeRetries
	}
	if o.NodeInterval == 0 {
		o.NodeInterval = defaultNodeInterval
	}
}

// Harddisk one non removable whole disk and its partition 1 lifecycle
type Harddisk struct {
	device   string
	devPath  string
	diskPath string
	physPath string

	opts Options
	ext4 *filesystem.Ext4
	idle *IdleMonitor

	mu          sync.Mutex
	mountPath   string
	mountDevice string
}

func NewHarddisk(name string, opts Options) *Harddisk {
	opts.complete()

	h := &Harddisk{
		device: name,
		opts:   opts,
		ext4:   &filesystem.Ext4{Executor: opts.Executor, Timeout: opts.CommandTimeout},
	}

	devPath, diskPath, err := opts.Layout.Resolve(name)
	if err != nil {
		log.Warnf("resolve %s with %s layout failed: %v", name, opts.Layout.Name(), err)
	}
	h.devPath, h.diskPath = devPath, diskPath

	phys, err := filepath.EvalSymlinks(h.sysfsPath("device"))
	if err != nil {
		log.Warnf("resolve physical path of %s failed: %v", name, err)
	} else {
		h.physPath = strings.TrimPrefix(phys, opts.Paths.SysRoot)
	}

	// the drive's own standby timer would fight the idle monitor
	if _, err := opts.Executor.ExecuteCommandWithTimeout(opts.CommandTimeout, types.HdparmCmd, "-S0", h.diskPath); err != nil {
		log.Warnf("disable standby timer of %s failed: %v", h.diskPath, err)
	}

	if opts.Stats != nil {
		h.idle = NewIdleMonitor(name, opts.Stats, opts.Clock, h.spinDown)
	}
	log.Infof("new harddisk %s %s %s %s", name, h.devPath, h.diskPath, h.physPath)
	return h
}

func (h *Harddisk) Device() string {
	return h.device
}

func (h *Harddisk) DevicePath() string {
	return h.devPath
}

func (h *Harddisk) DiskPath() string {
	return h.diskPath
}

func (h *Harddisk) PhysPath() string {
	return h.physPath
}

func (h *Harddisk) partitionPath(n int) string {
	return h.opts.Layout.PartitionPath(h.devPath, n)
}

func (h *Harddisk) sysfsPath(filename string) string {
	return filepath.Join(h.opts.Paths.SysBlock(), h.device, filename)
}

func (h *Harddisk) removeSelf() {
	if h.opts.Registry != nil {
		h.opts.Registry.RemoveHotplugPartition(h.device)
	}
}

// DiskSize size in decimal megabytes, -1 when the device is gone, 0 when the size is garbage
func (h *Harddisk) DiskSize() int64 {
	line, err := utils.ReadFile(h.sysfsPath("size"))
	if err != nil {
		log.Errorf("read size of %s failed, remove it: %v", h.device, err)
		h.removeSelf()
		return -1
	}
	sectors, err := strconv.ParseInt(line, 10, 64)
	if err != nil {
		log.Warnf("unexpected size %q of %s", line, h.device)
		return 0
	}
	return sectors / 1000 * 512 / 1000
}

// Capacity e.g. "250.059 GB", empty when the size is unknown
func (h *Harddisk) Capacity() string {
	return FormatCapacity(h.DiskSize())
}

func FormatCapacity(mb int64) string {
	if mb <= 0 {
		return ""
	}
	return fmt.Sprintf("%d.%03d GB", mb/1000, mb%1000)
}

// Model vendor and model strings, a failed read removes the disk
func (h *Harddisk) Model() (string, error) {
	var model string
	var err error
	switch {
	case strings.HasPrefix(h.device, "hd"):
		model, err = utils.ReadFile(filepath.Join(h.opts.Paths.ProcRoot, "ide", h.device, "model"))
	case strings.HasPrefix(h.device, "sd"):
		var vendor string
		vendor, err = utils.ReadFile(h.sysfsPath("device/vendor"))
		if err == nil {
			model, err = utils.ReadFile(h.sysfsPath("device/model"))
			model = vendor + "(" + model + ")"
		}
	default:
		model, err = utils.ReadFile(h.sysfsPath("device/model"))
	}
	if err != nil {
		log.Errorf("read model of %s failed, remove it: %v", h.device, err)
		h.removeSelf()
		return "", err
	}
	return model, nil
}

// Free free megabytes of the mounted partition on this disk, -1 when none is mounted
func (h *Harddisk) Free() int64 {
	mps, err := h.opts.Mounts.List()
	if err != nil {
		log.Warnf("list mounts failed: %v", err)
		return -1
	}
	for _, mp := range mps {
		if !strings.HasPrefix(mp.Device, "/") {
			continue
		}
		real, err := filepath.EvalSymlinks(mp.Device)
		if err != nil {
			continue
		}
		m := trailingDigits.FindString(real)
		if m == "" {
			continue
		}
		n, _ := strconv.Atoi(m)
		same, err := filesystem.SameDevice(real, h.partitionPath(n))
		if err != nil || !same {
			continue
		}
		free, err := filesystem.FreeMB(mp.Path)
		if err != nil {
			log.Warnf("statfs %s failed: %v", mp.Path, err)
			return -1
		}
		return free
	}
	return -1
}

func (h *Harddisk) NumPartitions() int {
	return h.opts.Layout.NumPartitions(h.device, h.devPath)
}

// MountDevice returns the first mounted node below this disk and where it is mounted
func (h *Harddisk) MountDevice() (string, string) {
	mps, err := h.opts.Mounts.List()
	if err != nil {
		log.Warnf("list mounts failed: %v", err)
		return "", ""
	}
	for _, mp := range mps {
		real, err := filepath.EvalSymlinks(mp.Device)
		if err != nil {
			real = mp.Device
		}
		if belongsTo(real, h.devPath) {
			h.mu.Lock()
			h.mountDevice, h.mountPath = real, mp.Path
			h.mu.Unlock()
			return real, mp.Path
		}
	}
	return "", ""
}

// belongsTo /dev/sda1 and /dev/discs/disc0/part1 belong to their disk, /dev/sdaa1 does not belong to /dev/sda
func belongsTo(node, devPath string) bool {
	if devPath == "" || !strings.HasPrefix(node, devPath) {
		return false
	}
	rest := node[len(devPath):]
	return rest == "" || rest[0] == '/' || (rest[0] >= '0' && rest[0] <= '9')
}

// FindMount cached mount path, looked up on first use
func (h *Harddisk) FindMount() string {
	h.mu.Lock()
	path := h.mountPath
	h.mu.Unlock()
	if path != "" {
		return path
	}
	_, path = h.MountDevice()
	return path
}

func (h *Harddisk) Bus() types.Bus {
	switch {
	case h.opts.Layout.IsCompactFlash(h.device, h.devPath):
		return types.BusExternalCF
	case strings.Contains(h.physPath, "pci"):
		return types.BusInternal
	}
	return types.BusExternal
}

func (h *Harddisk) IsSleeping() bool {
	if h.idle == nil {
		return false
	}
	return h.idle.IsSleeping()
}

func (h *Harddisk) SetIdleTime(idle time.Duration) {
	if h.idle == nil {
		return
	}
	h.idle.SetIdleTime(idle)
}

func (h *Harddisk) IdleTime() time.Duration {
	if h.idle == nil {
		return 0
	}
	return h.idle.IdleTime()
}

// Stop cancels the idle monitor, the disk must not be used afterwards
func (h *Harddisk) Stop() {
	if h.idle == nil {
		return
	}
	h.idle.Stop()
}

func (h *Harddisk) spinDown() error {
	_, err := h.opts.Executor.ExecuteCommandWithTimeout(h.opts.CommandTimeout, types.HdparmCmd, "-y", h.diskPath)
	return err
}

func (h *Harddisk) Info() types.DiskInfo {
	model, _ := h.Model()
	return types.DiskInfo{
		Name:          h.device,
		Model:         model,
		Capacity:      h.Capacity(),
		Bus:           h.Bus(),
		Sleeping:      h.IsSleeping(),
		MountPoint:    h.FindMount(),
		NumPartitions: h.NumPartitions(),
	}
}

// Mount mounts partition 1 on the hdd mount point
func (h *Harddisk) Mount() int {
	target := h.opts.HddMountPoint
	if err := os.MkdirAll(target, 0755); err != nil {
		log.Errorf("create mount point %s failed: %v", target, err)
		return types.MountFailure
	}
	source := h.partitionPath(1)
	if err := h.opts.Mounter.Mount(source, target, "", nil); err != nil {
		log.Errorf("mount %s on %s failed: %v", source, target, err)
		return types.MountFailure
	}
	h.mu.Lock()
	h.mountDevice, h.mountPath = source, target
	h.mu.Unlock()
	return 0
}

// Unmount unmounts wherever partition 1 is mounted, the hdd mount point if it cannot be found
func (h *Harddisk) Unmount() int {
	target, ok := filesystem.FindMountPoint(h.opts.Mounts, h.partitionPath(1))
	if !ok {
		target = h.opts.HddMountPoint
	}
	if err := h.opts.Mounter.Unmount(target); err != nil {
		log.Warnf("unmount %s failed: %v", target, err)
		return types.MountFailure
	}
	h.mu.Lock()
	h.mountDevice, h.mountPath = "", ""
	h.mu.Unlock()
	return 0
}

// CreatePartition writes a single partition table, legacy below LegacyTableLimit MB, GPT above
func (h *Harddisk) CreatePartition() int {
	table := h.opts.GPT
	if h.DiskSize() < types.LegacyTableLimit {
		table = h.opts.Legacy
	}
	log.Infof("create %s partition table on %s", table.Name(), h.diskPath)

	res := 0
	if err := table.Create(h.diskPath); err != nil {
		res = exec.ExitCode(err)
	}

	part := h.partitionPath(1)
	if err := partition.WaitForNode(part, h.opts.NodeRetries, h.opts.NodeInterval); err != nil {
		log.Errorf("partition %s did not show up: %v", part, err)
		return 1
	}
	return res
}

func (h *Harddisk) Mkfs() int {
	return h.ext4.Mkfs(h.partitionPath(1), h.DiskSize() > types.LargeFileLimit)
}

// KillPartition zeroes the first sectors of partition n so no stale filesystem gets mounted
func (h *Harddisk) KillPartition(n int) int {
	part := h.partitionPath(n)
	if !utils.FileExists(part) {
		return 0
	}
	_, err := h.opts.Executor.ExecuteCommandWithTimeout(h.opts.CommandTimeout, types.DdCmd,
		"bs=512", "count=3", "if=/dev/zero", "of="+part)
	return exec.ExitCode(err)
}

func (h *Harddisk) CreateMovieFolder() int {
	if !utils.FileExists(h.opts.HddLink) {
		if err := os.Symlink(h.opts.HddMountPoint, h.opts.HddLink); err != nil {
			log.Errorf("link %s to %s failed: %v", h.opts.HddLink, h.opts.HddMountPoint, err)
			return -1
		}
	}
	if err := os.MkdirAll(h.opts.MovieDir, 0755); err != nil {
		log.Errorf("create %s failed: %v", h.opts.MovieDir, err)
		return -1
	}
	return 0
}

func (h *Harddisk) lock() bool {
	if !h.opts.Locks.TryAcquire(h.device) {
		log.Infof("%s has a lifecycle operation in progress", h.device)
		return false
	}
	h.opts.Lifecycle.Lock()
	return true
}

func (h *Harddisk) unlock() {
	h.opts.Lifecycle.Unlock()
	h.opts.Locks.Release(h.device)
}

// Initialize wipes the disk and prepares it for recordings, all data is lost
func (h *Harddisk) Initialize() int {
	if !h.lock() {
		return types.StatusBusy
	}
	defer h.unlock()

	log.Infof("initialize %s", h.device)
	h.Unmount()
	h.KillPartition(1)

	if h.CreatePartition() != 0 {
		return types.StatusPartition
	}
	if h.Mkfs() != 0 {
		return types.StatusMkfs
	}
	if h.Mount() != 0 {
		return types.StatusMount
	}
	if h.CreateMovieFolder() != 0 {
		return types.StatusMovieFolder
	}
	return types.StatusOK
}

// Check runs the filesystem checker on partition 1 and mounts it again
func (h *Harddisk) Check() int {
	if !h.lock() {
		return types.StatusBusy
	}
	defer h.unlock()

	log.Infof("check %s", h.device)
	h.Unmount()

	fsType := h.ext4.TableFilesystem(h.diskPath)
	if status := FsckStatus(h.ext4.Fsck(h.partitionPath(1), fsType)); status != types.StatusOK {
		return status
	}
	if h.Mount() != 0 {
		return types.StatusMount
	}
	return types.StatusOK
}

// FsckStatus maps the fsck exit bits, 4 uncorrected errors, 2 reboot needed, 1 errors corrected
func FsckStatus(res int) int {
	switch {
	case res&4 != 0:
		return types.StatusUncorrectable
	case res&2 != 0:
		return types.StatusReboot
	case res != 0 && res != 1:
		return types.StatusFsck
	}
	return types.StatusOK
}
