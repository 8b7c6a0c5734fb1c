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
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/procfs/blockdevice"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

func newMonitor(stats *fakeStats) (*IdleMonitor, *clocktesting.FakeClock, *int32) {
	fc := clocktesting.NewFakeClock(time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC))
	var sleeps int32
	m := NewIdleMonitor("sda", stats, fc, func() error {
		atomic.AddInt32(&sleeps, 1)
		return nil
	})
	return m, fc, &sleeps
}

func TestIdleMonitorSpinsDownOnce(t *testing.T) {
	stats := &fakeStats{}
	stats.set(100, 50)
	m, fc, sleeps := newMonitor(stats)
	m.maxIdle = 10 * time.Second

	// first sample differs from the initial zero
	require.True(t, m.poll())
	assert.False(t, m.IsSleeping())

	for i := 0; i < 9; i++ {
		fc.Step(time.Second)
		require.True(t, m.poll())
	}
	assert.Zero(t, atomic.LoadInt32(sleeps))

	fc.Step(time.Second)
	require.True(t, m.poll())
	assert.Equal(t, int32(1), atomic.LoadInt32(sleeps))
	assert.True(t, m.IsSleeping())

	for i := 0; i < 30; i++ {
		fc.Step(time.Second)
		require.True(t, m.poll())
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(sleeps))
}

func TestIdleMonitorActivityResets(t *testing.T) {
	stats := &fakeStats{}
	m, fc, sleeps := newMonitor(stats)
	m.maxIdle = 10 * time.Second

	fc.Step(10 * time.Second)
	require.True(t, m.poll())
	require.Equal(t, int32(1), atomic.LoadInt32(sleeps))

	stats.set(8, 0)
	fc.Step(time.Second)
	require.True(t, m.poll())
	assert.False(t, m.IsSleeping())

	// idle again, but not long enough
	fc.Step(9 * time.Second)
	require.True(t, m.poll())
	assert.Equal(t, int32(1), atomic.LoadInt32(sleeps))

	fc.Step(time.Second)
	require.True(t, m.poll())
	assert.Equal(t, int32(2), atomic.LoadInt32(sleeps))
	assert.True(t, m.IsSleeping())
}

func TestIdleMonitorReadFailureDisables(t *testing.T) {
	stats := &fakeStats{err: errors.New("no such device")}
	m, fc, sleeps := newMonitor(stats)
	m.maxIdle = time.Second

	fc.Step(time.Hour)
	assert.False(t, m.poll())
	assert.Zero(t, m.IdleTime())
	assert.Zero(t, atomic.LoadInt32(sleeps))
	assert.False(t, m.IsSleeping())
}

func TestIdleMonitorLoop(t *testing.T) {
	stats := &fakeStats{}
	stats.set(1, 1)
	m, fc, sleeps := newMonitor(stats)

	m.SetIdleTime(10 * time.Second)
	require.True(t, m.Running())
	require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)

	assert.Eventually(t, func() bool {
		fc.Step(time.Second)
		return atomic.LoadInt32(sleeps) == 1
	}, 5*time.Second, time.Millisecond)

	m.SetIdleTime(0)
	assert.False(t, m.Running())

	m.SetIdleTime(time.Minute)
	assert.True(t, m.Running())
	m.Stop()
	assert.False(t, m.Running())

	// stopped monitors stay stopped
	m.SetIdleTime(time.Minute)
	assert.False(t, m.Running())
	assert.Equal(t, int32(1), atomic.LoadInt32(sleeps))
}

func TestHarddiskIdleSpinDownCommand(t *testing.T) {
	e := newEnv(t)
	e.disk("sda", "1000")
	h := NewHarddisk("sda", e.opts)

	require.NoError(t, h.spinDown())
	assert.Equal(t, []string{"hdparm -S0 " + e.node("sda"), "hdparm -y " + e.node("sda")}, e.executor.CallsOf("hdparm"))

	h.SetIdleTime(time.Minute)
	assert.True(t, h.idle.Running())
	h.Stop()
	assert.False(t, h.idle.Running())
	assert.False(t, h.IsSleeping())
}

type blockingStats struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStats) SysBlockDeviceStat(string) (blockdevice.IOStats, int, error) {
	b.entered <- struct{}{}
	<-b.release
	return blockdevice.IOStats{ReadSectors: 1}, 11, nil
}

func TestIdleMonitorQueriesDuringStatRead(t *testing.T) {
	stats := &blockingStats{entered: make(chan struct{}), release: make(chan struct{})}
	fc := clocktesting.NewFakeClock(time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC))
	m := NewIdleMonitor("sda", stats, fc, func() error { return nil })
	m.maxIdle = 10 * time.Second

	done := make(chan bool)
	go func() { done <- m.poll() }()
	<-stats.entered

	queried := make(chan struct{})
	go func() {
		m.IsSleeping()
		m.IdleTime()
		close(queried)
	}()
	select {
	case <-queried:
	case <-time.After(time.Second):
		t.Fatal("queries waited for the stat read")
	}

	close(stats.release)
	assert.True(t, <-done)
}

func TestIdleMonitorStopDuringSpinDown(t *testing.T) {
	stats := &fakeStats{}
	stats.set(1, 1)
	fc := clocktesting.NewFakeClock(time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC))
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	defer close(release)
	m := NewIdleMonitor("sda", stats, fc, func() error {
		entered <- struct{}{}
		<-release
		return nil
	})

	m.SetIdleTime(10 * time.Second)
	require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		fc.Step(time.Second)
		select {
		case <-entered:
			return true
		default:
			return false
		}
	}, 5*time.Second, time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop waited for the spin down")
	}
	assert.False(t, m.Running())
	assert.True(t, m.IsSleeping())
}
