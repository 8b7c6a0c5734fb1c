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
	"os"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/stbox/harddisk/pkg/devicemanager/types"
)

var _ = Describe("partition list notifications", func() {
	var (
		root string
		env  *managerEnv
		dm   *DiskManager
	)

	BeforeEach(func() {
		var err error
		root, err = os.MkdirTemp("", "devicemanager")
		Expect(err).NotTo(HaveOccurred())
		env = newManagerEnv(root)
		env.disk("sda", false, true, "sda1")
		env.disk("sdb", true, true, "sdb1")
		dm = NewDiskManager(env.opts)
	})

	AfterEach(func() {
		dm.Shutdown()
		Expect(os.RemoveAll(root)).To(Succeed())
	})

	Context("add", func() {
		It("registers the partition before subscribers run", func() {
			var seen []string
			dm.Subscribe(func(action types.Action, p *Partition) {
				Expect(action).To(Equal(types.ActionAdd))
				seen = mountPoints(dm.Partitions())
			})

			dm.AddHotplugPartition("sdb1", "")
			Expect(seen).To(Equal([]string{"/autofs/sdb1/"}))
		})

		It("has the disk in place when the whole disk partition is published", func() {
			found := false
			dm.Subscribe(func(action types.Action, p *Partition) {
				_, found = dm.Disk(p.Device)
			})

			dm.AddHotplugPartition("sda", "")
			Expect(found).To(BeTrue())
		})

		It("publishes nothing for a known mount point", func() {
			rec := &recorder{}
			dm.AddHotplugPartition("sdb1", "")
			dm.Subscribe(rec.listen)

			dm.AddHotplugPartition("sdb1", "")
			Expect(rec.get()).To(BeEmpty())
		})
	})

	Context("remove", func() {
		It("unregisters the partition and the disk before subscribers run", func() {
			Expect(dm.EnumerateBlockDevices()).To(Succeed())
			var (
				seen      []string
				diskFound = true
			)
			dm.Subscribe(func(action types.Action, p *Partition) {
				Expect(action).To(Equal(types.ActionRemove))
				seen = mountPoints(dm.Partitions())
				_, diskFound = dm.Disk("sda")
			})

			dm.RemoveHotplugPartition("sda")
			Expect(seen).To(Equal([]string{"/autofs/sda1/", "/autofs/sdb/", "/autofs/sdb1/"}))
			Expect(diskFound).To(BeFalse())
		})
	})

	Context("subscribers", func() {
		It("are called in registration order for every change", func() {
			var calls []string
			dm.Subscribe(func(action types.Action, p *Partition) {
				calls = append(calls, "first "+string(action)+" "+p.MountPoint)
			})
			dm.Subscribe(func(action types.Action, p *Partition) {
				calls = append(calls, "second "+string(action)+" "+p.MountPoint)
			})

			dm.AddHotplugPartition("sdb1", "")
			dm.RemoveHotplugPartition("sdb1")
			Expect(calls).To(Equal([]string{
				"first add /autofs/sdb1/",
				"second add /autofs/sdb1/",
				"first remove /autofs/sdb1/",
				"second remove /autofs/sdb1/",
			}))
		})

		It("stop receiving events once unsubscribed", func() {
			rec := &recorder{}
			cancel := dm.Subscribe(rec.listen)
			dm.AddHotplugPartition("sdb", "")
			cancel()
			dm.AddHotplugPartition("sdb1", "")

			Expect(rec.get()).To(Equal([]event{{types.ActionAdd, "/autofs/sdb/"}}))
		})

		It("may change the registry while being notified", func() {
			dm.Subscribe(func(action types.Action, p *Partition) {
				if action == types.ActionAdd && p.Device == "sdb" {
					dm.AddMountedPartition("/media/usb", "USB Stick")
				}
			})

			dm.AddHotplugPartition("sdb", "")
			Expect(mountPoints(dm.Partitions())).To(Equal([]string{"/autofs/sdb/", "/media/usb"}))
		})
	})
})
