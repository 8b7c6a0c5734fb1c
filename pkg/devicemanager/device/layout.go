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
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/stbox/harddisk/pkg/devicemanager/filesystem"
	"github.com/stbox/harddisk/utils"
	"github.com/stbox/harddisk/utils/log"
)

// Layout is how the running device manager names block device nodes
type Layout interface {
	Name() string
	// Resolve returns the node prefix of device and the node addressing the whole disk
	Resolve(device string) (devPath string, diskPath string, err error)
	PartitionPath(devPath string, n int) string
	// NumPartitions -1 when the nodes cannot be listed
	NumPartitions(device, devPath string) int
	IsCompactFlash(device, devPath string) bool
}

const (
	LayoutUdev  = "udev"
	LayoutDevfs = "devfs"
)

// DetectLayout picks the naming scheme once from the markers the device managers leave in devDir
func DetectLayout(paths Paths) Layout {
	switch {
	case utils.FileExists(filepath.Join(paths.DevDir, ".udev")):
		return &udevLayout{devDir: paths.DevDir}
	case utils.FileExists(filepath.Join(paths.DevDir, ".devfsd")):
		return &devfsLayout{devDir: paths.DevDir, sysBlock: paths.SysBlock()}
	}
	log.Warnf("neither udev nor devfs marker found in %s, assume udev", paths.DevDir)
	return &udevLayout{devDir: paths.DevDir}
}

func NewUdevLayout(devDir string) Layout {
	return &udevLayout{devDir: devDir}
}

func NewDevfsLayout(paths Paths) Layout {
	return &devfsLayout{devDir: paths.DevDir, sysBlock: paths.SysBlock()}
}

type udevLayout struct {
	devDir string
}

func (l *udevLayout) Name() string {
	return LayoutUdev
}

func (l *udevLayout) Resolve(device string) (string, string, error) {
	devPath := filepath.Join(l.devDir, device)
	return devPath, devPath, nil
}

func (l *udevLayout) PartitionPath(devPath string, n int) string {
	return devPath + strconv.Itoa(n)
}

func (l *udevLayout) NumPartitions(device, _ string) int {
	entries, err := os.ReadDir(l.devDir)
	if err != nil {
		log.Warnf("list %s failed: %v", l.devDir, err)
		return -1
	}
	num := -1
	for _, e := range entries {
		if isNodeOf(e.Name(), device) {
			num++
		}
	}
	return num
}

// isNodeOf sda and sda1 are nodes of sda, sdaa is not
func isNodeOf(name, device string) bool {
	if !strings.HasPrefix(name, device) {
		return false
	}
	for _, c := range name[len(device):] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func (l *udevLayout) IsCompactFlash(_, _ string) bool {
	return false
}

// devfsLayout /dev/discs/discN/{disc,partN}, the discN matching the sysfs major:minor belongs to the device
type devfsLayout struct {
	devDir   string
	sysBlock string
}

func (l *devfsLayout) Name() string {
	return LayoutDevfs
}

func (l *devfsLayout) Resolve(device string) (string, string, error) {
	dev, err := utils.ReadFile(filepath.Join(l.sysBlock, device, "dev"))
	if err != nil {
		return "", "", err
	}
	var major, minor uint32
	if _, err := fmt.Sscanf(dev, "%d:%d", &major, &minor); err != nil {
		return "", "", fmt.Errorf("unexpected dev content %q of %s: %v", dev, device, err)
	}

	discs := filepath.Join(l.devDir, "discs")
	entries, err := os.ReadDir(discs)
	if err != nil {
		return "", "", err
	}
	for _, e := range entries {
		devPath, err := filepath.EvalSymlinks(filepath.Join(discs, e.Name()))
		if err != nil {
			continue
		}
		diskPath := filepath.Join(devPath, "disc")
		ma, mi, err := filesystem.MajorMinor(diskPath)
		if err != nil {
			continue
		}
		if ma == major && mi == minor {
			return devPath, diskPath, nil
		}
	}
	return "", "", fmt.Errorf("no disc node for %s (%d:%d) in %s", device, major, minor, discs)
}

func (l *devfsLayout) PartitionPath(devPath string, n int) string {
	return filepath.Join(devPath, "part"+strconv.Itoa(n))
}

func (l *devfsLayout) NumPartitions(_, devPath string) int {
	entries, err := os.ReadDir(devPath)
	if err != nil {
		log.Warnf("list %s failed: %v", devPath, err)
		return -1
	}
	num := -1
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "disc") || strings.HasPrefix(e.Name(), "part") {
			num++
		}
	}
	return num
}

// IsCompactFlash the CF slot is an IDE drive off the first host adapter's secondary channel
func (l *devfsLayout) IsCompactFlash(device, devPath string) bool {
	return strings.HasPrefix(device, "hd") && !strings.Contains(devPath, "host0")
}
