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

package filesystem

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/stbox/harddisk/utils/log"
	"k8s.io/mount-utils"
)

// MountTable lists the mounted filesystems with escaped fields already decoded
type MountTable interface {
	List() ([]mount.MountPoint, error)
}

type ProcMounts struct {
	Path string
}

var _ MountTable = &ProcMounts{}

func NewProcMounts(procRoot string) *ProcMounts {
	return &ProcMounts{Path: filepath.Join(procRoot, "mounts")}
}

func (m *ProcMounts) List() ([]mount.MountPoint, error) {
	mps, err := mount.ListProcMounts(m.Path)
	if err != nil {
		return nil, fmt.Errorf("could not read %s: %v", m.Path, err)
	}
	for i := range mps {
		mps[i].Device = DecodeMountField(mps[i].Device)
		mps[i].Path = DecodeMountField(mps[i].Path)
	}
	return mps, nil
}

// DecodeMountField turns the octal escapes of the mount table, e.g. \040 for a space, back into bytes
func DecodeMountField(field string) string {
	if !strings.Contains(field, `\`) {
		return field
	}
	var b strings.Builder
	for i := 0; i < len(field); i++ {
		if field[i] == '\\' && i+3 < len(field) && isOctal(field[i+1:i+4]) {
			v, _ := strconv.ParseUint(field[i+1:i+4], 8, 8)
			b.WriteByte(byte(v))
			i += 3
			continue
		}
		b.WriteByte(field[i])
	}
	return b.String()
}

func isOctal(s string) bool {
	if len(s) != 3 || s[0] > '3' {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '7' {
			return false
		}
	}
	return true
}

// FindMountPoint returns where the node device (or another node with the same numbers) is mounted
func FindMountPoint(table MountTable, device string) (string, bool) {
	mps, err := table.List()
	if err != nil {
		log.Warnf("list mounts failed: %v", err)
		return "", false
	}
	for _, mp := range mps {
		if !strings.HasPrefix(mp.Device, "/") {
			continue
		}
		same, err := SameDevice(device, mp.Device)
		if err != nil {
			log.Debugf("compare %s with %s: %v", device, mp.Device, err)
			continue
		}
		if same {
			return mp.Path, true
		}
	}
	return "", false
}
