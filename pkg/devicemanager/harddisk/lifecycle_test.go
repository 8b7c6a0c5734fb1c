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
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stbox/harddisk/pkg/devicemanager/types"
	"github.com/stbox/harddisk/utils/exec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/mount-utils"
)

// stages returns the lifecycle steps seen by the executor and the mounter, in order
type stageRecorder struct {
	mu     sync.Mutex
	stages []string
}

func (s *stageRecorder) add(stage string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages = append(s.stages, stage)
}

func (s *stageRecorder) get() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.stages...)
}

type recordingMounter struct {
	*mount.FakeMounter
	rec  *stageRecorder
	fail bool
}

func (m *recordingMounter) Mount(source, target, fstype string, options []string) error {
	m.rec.add("mount")
	if m.fail {
		return &exec.FakeExitError{Code: 32}
	}
	return m.FakeMounter.Mount(source, target, fstype, options)
}

func (m *recordingMounter) Unmount(target string) error {
	m.rec.add("unmount")
	return m.FakeMounter.Unmount(target)
}

func newLifecycleEnv(t *testing.T) (*env, *stageRecorder, *recordingMounter) {
	e := newEnv(t)
	// 250 GB, legacy table
	e.disk("sda", "488397168", "sda1")
	rec := &stageRecorder{}
	e.executor.Hook = func(command string, arg ...string) {
		if command != types.HdparmCmd {
			rec.add(command)
		}
	}
	m := &recordingMounter{FakeMounter: mount.NewFakeMounter(nil), rec: rec}
	e.opts.Mounter = m
	return e, rec, m
}

func TestInitialize(t *testing.T) {
	e, rec, _ := newLifecycleEnv(t)
	h := NewHarddisk("sda", e.opts)

	assert.Equal(t, types.StatusOK, h.Initialize())
	assert.Equal(t, []string{"unmount", "dd", "sfdisk", "mkfs.ext4", "mount"}, rec.get())
	assert.DirExists(t, filepath.Join(e.opts.HddMountPoint, "movie"))
	assert.Equal(t, e.opts.HddMountPoint, h.FindMount())
}

func TestInitializeStopsAtFirstFailure(t *testing.T) {
	t.Run("partition", func(t *testing.T) {
		e, rec, _ := newLifecycleEnv(t)
		e.executor.Results["sfdisk"] = exec.FakeResult{Code: 1}
		h := NewHarddisk("sda", e.opts)

		assert.Equal(t, types.StatusPartition, h.Initialize())
		assert.Equal(t, []string{"unmount", "dd", "sfdisk"}, rec.get())
	})

	t.Run("mkfs", func(t *testing.T) {
		e, rec, _ := newLifecycleEnv(t)
		e.executor.Results["mkfs.ext4"] = exec.FakeResult{Code: 1}
		h := NewHarddisk("sda", e.opts)

		assert.Equal(t, types.StatusMkfs, h.Initialize())
		assert.Equal(t, []string{"unmount", "dd", "sfdisk", "mkfs.ext4"}, rec.get())
		assert.NoDirExists(t, filepath.Join(e.opts.HddMountPoint, "movie"))
		assert.NoFileExists(t, e.opts.HddLink)
	})

	t.Run("mount", func(t *testing.T) {
		e, rec, m := newLifecycleEnv(t)
		m.fail = true
		h := NewHarddisk("sda", e.opts)

		assert.Equal(t, types.StatusMount, h.Initialize())
		assert.Equal(t, []string{"unmount", "dd", "sfdisk", "mkfs.ext4", "mount"}, rec.get())
		assert.NoFileExists(t, e.opts.HddLink)
	})

	t.Run("movie folder", func(t *testing.T) {
		e, _, _ := newLifecycleEnv(t)
		// a regular file where the movie directory belongs
		e.opts.MovieDir = filepath.Join(e.root, "blocked", "movie")
		e.write(filepath.Join(e.root, "blocked"), "")
		h := NewHarddisk("sda", e.opts)

		assert.Equal(t, types.StatusMovieFolder, h.Initialize())
	})
}

func TestInitializeSkipsKillWithoutPartition(t *testing.T) {
	e, rec, _ := newLifecycleEnv(t)
	require.NoError(t, os.Remove(e.node("sda1")))
	e.executor.Hook = func(command string, arg ...string) {
		if command == types.SfdiskCmd {
			e.write(e.node("sda1"), "")
		}
		if command != types.HdparmCmd {
			rec.add(command)
		}
	}
	h := NewHarddisk("sda", e.opts)

	assert.Equal(t, types.StatusOK, h.Initialize())
	assert.Equal(t, []string{"unmount", "sfdisk", "mkfs.ext4", "mount"}, rec.get())
}

func TestLifecycleBusy(t *testing.T) {
	e, rec, _ := newLifecycleEnv(t)
	h := NewHarddisk("sda", e.opts)

	require.True(t, h.opts.Locks.TryAcquire("sda"))
	assert.Equal(t, types.StatusBusy, h.Initialize())
	assert.Equal(t, types.StatusBusy, h.Check())
	assert.Empty(t, rec.get())

	h.opts.Locks.Release("sda")
	assert.Equal(t, types.StatusOK, h.Check())
	assert.Empty(t, h.opts.Locks.Held())
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name   string
		parted string
		code   int
		want   int
		stages []string
	}{
		{"clean", "ext4", 0, types.StatusOK, []string{"unmount", "parted", "fsck.ext4", "mount"}},
		{"corrected", "ext4", 1, types.StatusOK, []string{"unmount", "parted", "fsck.ext4", "mount"}},
		{"ext3", "primary  ext3", 0, types.StatusOK, []string{"unmount", "parted", "fsck.ext3", "mount"}},
		{"reboot", "ext4", 3, types.StatusReboot, []string{"unmount", "parted", "fsck.ext4"}},
		{"uncorrectable", "ext4", 6, types.StatusUncorrectable, []string{"unmount", "parted", "fsck.ext4"}},
		{"operational error", "ext4", 8, types.StatusFsck, []string{"unmount", "parted", "fsck.ext4"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, rec, _ := newLifecycleEnv(t)
			e.executor.Results["parted"] = exec.FakeResult{Output: tt.parted}
			e.executor.Results["fsck.ext3"] = exec.FakeResult{Code: tt.code}
			e.executor.Results["fsck.ext4"] = exec.FakeResult{Code: tt.code}
			h := NewHarddisk("sda", e.opts)

			assert.Equal(t, tt.want, h.Check())
			assert.Equal(t, tt.stages, rec.get())
			for _, c := range e.executor.CallsOf("fsck.ext4") {
				assert.True(t, strings.HasSuffix(c, "-f -p "+e.node("sda1")), c)
			}
		})
	}
}

func TestCheckMountFailure(t *testing.T) {
	e, _, m := newLifecycleEnv(t)
	m.fail = true
	h := NewHarddisk("sda", e.opts)

	assert.Equal(t, types.StatusMount, h.Check())
}
