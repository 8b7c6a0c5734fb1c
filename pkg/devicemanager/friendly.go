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
	"path/filepath"
	"strings"

	"github.com/stbox/harddisk/pkg/devicemanager/device"
	"github.com/stbox/harddisk/utils"
	"github.com/stbox/harddisk/utils/log"
)

// deviceDBSR labels of the optical drive slots per machine, keyed by physical path prefix
var deviceDBSR = map[string]map[string]string{
	"dm8000": {
		"/devices/pci0000:01/0000:01:00.0/host0/target0:0:0/0:0:0:0":                 "DVD Drive",
		"/devices/pci0000:01/0000:01:00.0/host1/target1:0:0/1:0:0:0":                 "DVD Drive",
		"/devices/platform/brcm-ehci-1.1/usb2/2-1/2-1:1.0/host3/target3:0:0/3:0:0:0": "DVD Drive",
	},
	"dm800":  {},
	"dm7025": {},
}

// deviceDB labels of the storage slots per machine, keyed by physical path prefix
var deviceDB = map[string]map[string]string{
	"dm8000": {
		"/devices/platform/brcm-ehci.0/usb1/1-1/1-1.1/1-1.1:1.0": "Front USB Slot",
		"/devices/platform/brcm-ehci.0/usb1/1-1/1-1.2/1-1.2:1.0": "Back, upper USB Slot",
		"/devices/platform/brcm-ehci.0/usb1/1-1/1-1.3/1-1.3:1.0": "Back, lower USB Slot",
		"/devices/platform/brcm-ehci-1.1/usb2/2-1/2-1:1.0/":      "Internal USB Slot",
		"/devices/platform/brcm-ohci-1.1/usb4/4-1/4-1:1.0/":      "Internal USB Slot",
	},
	"dm800": {
		"/devices/platform/brcm-ehci.0/usb1/1-2/1-2:1.0": "Upper USB Slot",
		"/devices/platform/brcm-ehci.0/usb1/1-1/1-1:1.0": "Lower USB Slot",
	},
	"dm7025": {
		"/devices/pci0000:00/0000:00:14.1/ide1/1.0": "CF Card Slot",
		"/devices/pci0000:00/0000:00:14.1/ide0/0.0": "Internal Harddisk",
	},
}

// UserfriendlyDeviceName labels dev by the slot it is plugged into and the model it reports
func UserfriendlyDeviceName(sysRoot, machine, dev, phys string) string {
	disk, part := device.SplitDeviceName(dev)
	description := "External Storage " + disk

	model, err := utils.ReadFile(filepath.Join(sysRoot, phys, "model"))
	haveModel := err == nil
	if haveModel {
		description = model
	} else {
		log.Debugf("couldn't read model of %s: %v", dev, err)
	}

	db := deviceDB
	if isOptical(disk) {
		db = deviceDBSR
	}
	if label, ok := slotLabel(db[machine], phys); ok {
		if haveModel {
			description = label + " - " + description
		} else {
			description = label
		}
	}

	if part > 1 {
		description += fmt.Sprintf(" (Partition %d)", part)
	}
	return description
}

func isOptical(disk string) bool {
	return len(disk) > 2 && strings.HasPrefix(disk, "sr") && disk[2] >= '0' && disk[2] <= '9'
}

// slotLabel the longest matching prefix wins
func slotLabel(slots map[string]string, phys string) (string, bool) {
	var label, best string
	for prefix, l := range slots {
		if strings.HasPrefix(phys, prefix) && len(prefix) > len(best) {
			best, label = prefix, l
		}
	}
	return label, best != ""
}
