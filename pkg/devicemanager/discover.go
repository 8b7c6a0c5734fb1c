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
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"path"
	"regexp"
	"strings"

	"github.com/stbox/harddisk/pkg/devicemanager/types"
	"github.com/stbox/harddisk/utils/log"
)

// HotplugHandler reacts to block devices coming and going, DiskManager is one
type HotplugHandler interface {
	AddHotplugPartition(name, physdev string) types.BlockDevice
	RemoveHotplugPartition(name string)
}

// HotplugEvent one kernel uevent of the block subsystem
type HotplugEvent struct {
	Action  types.Action
	Device  string
	DevPath string
	// PhysPath the parent device the block device hangs off, as found below /sys
	PhysPath string
}

// ParseUdevEvent parses a udevadm monitor line such as
// KERNEL[2417.135082] add      /devices/platform/brcm-ehci.0/usb1/1-1/1-1:1.0/host1/target1:0:0/1:0:0:0/block/sdb/sdb1 (block)
func ParseUdevEvent(line string) (HotplugEvent, bool) {
	fields := strings.Fields(line)
	for i := 0; i+1 < len(fields); i++ {
		action := types.Action(fields[i])
		if action != types.ActionAdd && action != types.ActionRemove {
			continue
		}
		devPath := fields[i+1]
		if !strings.HasPrefix(devPath, "/devices/") {
			return HotplugEvent{}, false
		}
		ev := HotplugEvent{
			Action:  action,
			Device:  path.Base(devPath),
			DevPath: devPath,
		}
		if idx := strings.Index(devPath, "/block/"); idx >= 0 {
			ev.PhysPath = devPath[:idx]
		}
		return ev, true
	}
	return HotplugEvent{}, false
}

func matchUdevEvent(text string, matches, exclusions []string) (bool, error) {
	for _, match := range matches {
		matched, err := regexp.MatchString(match, text)
		if err != nil {
			return false, fmt.Errorf("failed to search string: %v", err)
		}
		if matched {
			hasExclusion := false
			for _, exclusion := range exclusions {
				matched, err = regexp.MatchString(exclusion, text)
				if err != nil {
					return false, fmt.Errorf("failed to search string: %v", err)
				}
				if matched {
					hasExclusion = true
					break
				}
			}
			if !hasExclusion {
				log.Infof("udevadm monitor: matched event: %s", text)
				return true, nil
			}
		}
	}
	return false, nil
}

// scanUdevEvents sends every line of r passing the match and exclusion tests to c
func scanUdevEvents(ctx context.Context, r io.Reader, c chan<- HotplugEvent, exclusions []string) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		text := scanner.Text()
		log.Debugf("udevadm monitor: %s", text)
		match, err := matchUdevEvent(text, []string{"(?i)add", "(?i)remove"}, exclusions)
		if err != nil {
			return fmt.Errorf("udevadm filtering failed: %v", err)
		}
		if !match {
			continue
		}
		if ev, ok := ParseUdevEvent(text); ok {
			select {
			case c <- ev:
			case <-ctx.Done():
				return nil
			}
		}
	}
	return scanner.Err()
}

// Scans `udevadm monitor` kernel events of the block subsystem until ctx is done
func rawUdevBlockMonitor(ctx context.Context, c chan<- HotplugEvent, exclusions []string) {
	defer close(c)

	// stdbuf -oL performs line buffered output
	cmd := exec.CommandContext(ctx, types.StdbufCmd, "-oL", types.UdevadmCmd, "monitor", "-k", "-s", "block")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		log.Warnf("Cannot open udevadm stdout: %v", err)
		return
	}

	err = cmd.Start()
	if err != nil {
		log.Warnf("Cannot start udevadm monitoring: %v", err)
		return
	}

	if err := scanUdevEvents(ctx, stdout, c, exclusions); err != nil {
		log.Warnf("udevadm monitor scanner error: %v", err)
	}
	_ = cmd.Wait()

	log.Info("udevadm monitor finished")
}

// HandleHotplugEvent applies one event to h
func HandleHotplugEvent(h HotplugHandler, ev HotplugEvent) {
	switch ev.Action {
	case types.ActionAdd:
		h.AddHotplugPartition(ev.Device, ev.PhysPath)
	case types.ActionRemove:
		h.RemoveHotplugPartition(ev.Device)
	}
}

// WatchHotplug feeds the kernel hotplug events to h one at a time, it returns once ctx is done
func WatchHotplug(ctx context.Context, h HotplugHandler, exclusions []string) error {
	for _, exclusion := range exclusions {
		if _, err := regexp.Compile(exclusion); err != nil {
			return fmt.Errorf("invalid udev exclusion %q: %v", exclusion, err)
		}
	}
	log.Infof("using the regular expressions %q", exclusions)

	events := make(chan HotplugEvent)
	go rawUdevBlockMonitor(ctx, events, exclusions)
	return dispatchHotplug(ctx, h, events)
}

func dispatchHotplug(ctx context.Context, h HotplugHandler, events <-chan HotplugEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("udev monitoring stopped")
			}
			log.Infof("hotplug %s %s", ev.Action, ev.Device)
			HandleHotplugEvent(h, ev)
		}
	}
}
