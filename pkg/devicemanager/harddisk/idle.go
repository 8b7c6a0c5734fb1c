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
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/procfs/blockdevice"
	"github.com/stbox/harddisk/utils/log"
	"k8s.io/utils/clock"
)

// StatReader reads the I/O counters of /sys/block/<device>/stat, blockdevice.FS is one
type StatReader interface {
	SysBlockDeviceStat(device string) (blockdevice.IOStats, int, error)
}

// IdleMonitor spins a disk down once its sector counters stop moving for the idle time
type IdleMonitor struct {
	device string
	stats  StatReader
	clock  clock.WithTicker
	sleep  func() error

	// ctl serializes starting and stopping the poll loop
	ctl     sync.Mutex
	stopped bool
	stopCh  chan struct{}
	done    chan struct{}

	mu         sync.Mutex
	maxIdle    time.Duration
	lastAccess time.Time
	lastStat   uint64
	sleeping   bool

	spinning int32
}

func NewIdleMonitor(device string, stats StatReader, clk clock.WithTicker, sleep func() error) *IdleMonitor {
	return &IdleMonitor{
		device:     device,
		stats:      stats,
		clock:      clk,
		sleep:      sleep,
		lastAccess: clk.Now(),
	}
}

// SetIdleTime restarts polling every idle/10, zero disables it
func (m *IdleMonitor) SetIdleTime(idle time.Duration) {
	m.ctl.Lock()
	defer m.ctl.Unlock()

	m.stopLoop()

	m.mu.Lock()
	m.maxIdle = idle
	m.mu.Unlock()

	if idle > 0 && !m.stopped {
		m.startLoop(idle / 10)
	}
}

// Stop cancels polling for good and waits for the loop to exit
func (m *IdleMonitor) Stop() {
	m.ctl.Lock()
	defer m.ctl.Unlock()

	m.stopped = true
	m.stopLoop()
}

func (m *IdleMonitor) IsSleeping() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sleeping
}

func (m *IdleMonitor) IdleTime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxIdle
}

// Running reports whether the poll loop is alive
func (m *IdleMonitor) Running() bool {
	m.ctl.Lock()
	done := m.done
	m.ctl.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

func (m *IdleMonitor) startLoop(period time.Duration) {
	if period <= 0 {
		period = time.Second
	}
	stopCh := make(chan struct{})
	done := make(chan struct{})
	m.stopCh, m.done = stopCh, done

	ticker := m.clock.NewTicker(period)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C():
				spinDown, ok := m.sample()
				if spinDown && atomic.CompareAndSwapInt32(&m.spinning, 0, 1) {
					// Stop does not wait for the spin down
					go func() {
						defer atomic.StoreInt32(&m.spinning, 0)
						m.spinDown()
					}()
				}
				if !ok {
					return
				}
			case <-stopCh:
				return
			}
		}
	}()
}

// stopLoop callers hold ctl
func (m *IdleMonitor) stopLoop() {
	if m.stopCh == nil {
		return
	}
	close(m.stopCh)
	<-m.done
	m.stopCh, m.done = nil, nil
}

// poll samples the counters once and spins the disk down when due, false disables polling
func (m *IdleMonitor) poll() bool {
	spinDown, ok := m.sample()
	if spinDown {
		m.spinDown()
	}
	return ok
}

// sample reads the counters outside mu, queries never wait on disk I/O
func (m *IdleMonitor) sample() (spinDown bool, ok bool) {
	if m.IdleTime() == 0 {
		return false, false
	}

	stat, _, err := m.stats.SysBlockDeviceStat(m.device)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maxIdle == 0 {
		return false, false
	}
	if err != nil {
		log.Warnf("read stat of %s failed, stop idle polling: %v", m.device, err)
		m.maxIdle = 0
		return false, false
	}

	now := m.clock.Now()
	sum := stat.ReadSectors + stat.WriteSectors
	if sum != m.lastStat {
		m.lastStat = sum
		m.lastAccess = now
		m.sleeping = false
	}

	if now.Sub(m.lastAccess) >= m.maxIdle && !m.sleeping {
		m.sleeping = true
		return true, true
	}
	return false, true
}

func (m *IdleMonitor) spinDown() {
	log.Infof("%s idle for %s, spin down", m.device, m.IdleTime())
	if err := m.sleep(); err != nil {
		log.Warnf("spin down %s failed: %v", m.device, err)
	}
}
