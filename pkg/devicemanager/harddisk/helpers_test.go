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
	"sync"
	"testing"
	"time"

	"github.com/prometheus/procfs/blockdevice"
	"github.com/stbox/harddisk/pkg/devicemanager/device"
	"github.com/stbox/harddisk/utils/exec"
	"github.com/stretchr/testify/require"
	"k8s.io/mount-utils"
	clocktesting "k8s.io/utils/clock/testing"
)

type staticMounts struct {
	mu  sync.Mutex
	mps []mount.MountPoint
}

func (s *staticMounts) List() ([]mount.MountPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]mount.MountPoint(nil), s.mps...), nil
}

type recordingRegistry struct {
	mu      sync.Mutex
	removed []string
}

func (r *recordingRegistry) RemoveHotplugPartition(device string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, device)
}

func (r *recordingRegistry) Removed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.removed...)
}

type fakeStats struct {
	mu          sync.Mutex
	read, write uint64
	err         error
}

func (f *fakeStats) SysBlockDeviceStat(string) (blockdevice.IOStats, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return blockdevice.IOStats{ReadSectors: f.read, WriteSectors: f.write}, 11, f.err
}

func (f *fakeStats) set(read, write uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.read, f.write = read, write
}

type failingMounter struct {
	*mount.FakeMounter
}

func (f *failingMounter) Mount(source, target, fstype string, options []string) error {
	return &exec.FakeExitError{Code: 32}
}

type env struct {
	t        *testing.T
	root     string
	paths    device.Paths
	executor *exec.FakeExecutor
	mounter  *mount.FakeMounter
	mounts   *staticMounts
	registry *recordingRegistry
	stats    *fakeStats
	clock    *clocktesting.FakeClock
	opts     Options
}

func newEnv(t *testing.T) *env {
	root := t.TempDir()
	e := &env{
		t:    t,
		root: root,
		paths: device.Paths{
			SysRoot:  filepath.Join(root, "sys"),
			ProcRoot: filepath.Join(root, "proc"),
			DevDir:   filepath.Join(root, "dev"),
		},
		executor: exec.NewFakeExecutor(),
		mounter:  mount.NewFakeMounter(nil),
		mounts:   &staticMounts{},
		registry: &recordingRegistry{},
		stats:    &fakeStats{},
		clock:    clocktesting.NewFakeClock(time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)),
	}
	for _, dir := range []string{e.paths.SysBlock(), e.paths.ProcRoot, e.paths.DevDir} {
		require.NoError(t, os.MkdirAll(dir, 0755))
	}
	e.opts = Options{
		Paths:          e.paths,
		Layout:         device.NewUdevLayout(e.paths.DevDir),
		Executor:       e.executor,
		Mounter:        e.mounter,
		Mounts:         e.mounts,
		Stats:          e.stats,
		Clock:          e.clock,
		Registry:       e.registry,
		HddMountPoint:  filepath.Join(root, "media", "hdd"),
		HddLink:        filepath.Join(root, "hdd"),
		MovieDir:       filepath.Join(root, "hdd", "movie"),
		CommandTimeout: time.Minute,
		NodeRetries:    2,
		NodeInterval:   time.Millisecond,
	}
	return e
}

func (e *env) write(path, content string) {
	require.NoError(e.t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(e.t, os.WriteFile(path, []byte(content), 0644))
}

// disk creates the sysfs entry of name with size sectors and its /dev nodes
func (e *env) disk(name, sectors string, nodes ...string) {
	dir := filepath.Join(e.paths.SysBlock(), name)
	e.write(filepath.Join(dir, "size"), sectors+"\n")
	e.write(filepath.Join(dir, "device", "vendor"), "ATA     \n")
	e.write(filepath.Join(dir, "device", "model"), "ST3250310AS     \n")
	for _, n := range append([]string{name}, nodes...) {
		e.write(filepath.Join(e.paths.DevDir, n), "")
	}
}

func (e *env) node(name string) string {
	return filepath.Join(e.paths.DevDir, name)
}
