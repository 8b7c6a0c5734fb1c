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
	"strings"
	"time"

	"github.com/stbox/harddisk/pkg/devicemanager/types"
	"github.com/stbox/harddisk/utils/exec"
	"github.com/stbox/harddisk/utils/log"
)

const (
	FsExt3 = "ext3"
	FsExt4 = "ext4"
)

// Ext4 runs the e2fsprogs tools, results are exit statuses
type Ext4 struct {
	Executor exec.Executor
	Timeout  time.Duration
}

// Mkfs formats device with reserved blocks disabled and hashed directory indexes
func (fs *Ext4) Mkfs(device string, largeFile bool) int {
	args := []string{}
	if largeFile {
		args = append(args, "-T", "largefile")
	}
	args = append(args, "-m0", "-O", "dir_index", device)

	out, err := fs.Executor.ExecuteCommandWithTimeout(fs.Timeout, types.MkfsExt4Cmd, args...)
	if err != nil {
		log.Errorf("ext4: failed to create device %s: %v output %s", device, err, out)
		return exec.ExitCode(err)
	}
	log.Infof("ext4: created device %s", device)
	return 0
}

// TableFilesystem guesses the filesystem of the first partition from the partition table listing of disk
func (fs *Ext4) TableFilesystem(disk string) string {
	out, err := fs.Executor.ExecuteCommandWithTimeout(fs.Timeout, types.PartedCmd, disk, "--script", "print")
	if err != nil {
		log.Warnf("parted print %s failed: %v", disk, err)
	}
	if strings.Contains(out, FsExt3) {
		return FsExt3
	}
	return FsExt4
}

// Fsck checks and automatically repairs device, the result is the fsck exit status bit set
func (fs *Ext4) Fsck(device, fsType string) int {
	cmd := types.FsckExt4Cmd
	if fsType == FsExt3 {
		cmd = types.FsckExt3Cmd
	}
	out, err := fs.Executor.ExecuteCommandWithTimeout(fs.Timeout, cmd, "-f", "-p", device)
	if err != nil {
		log.Warnf("%s %s: %v output %s", cmd, device, err, out)
		return exec.ExitCode(err)
	}
	return 0
}
