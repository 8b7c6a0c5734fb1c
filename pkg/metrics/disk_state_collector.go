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

package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stbox/harddisk/utils/log"
)

const (
	diskSubSystem      string = "disk"
	partitionSubSystem string = "partition"
	bytesPerMB                = 1000 * 1000
)

var (
	diskLabels      = []string{"device", "bus"}
	partitionLabels = []string{"mountpoint", "device", "hotplug"}

	diskCapacityDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, diskSubSystem, "capacity_bytes"),
		"The disk size in bytes.",
		diskLabels,
		nil,
	)
	diskSleepingDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, diskSubSystem, "sleeping"),
		"Whether the disk was spun down and has not been accessed since.",
		diskLabels,
		nil,
	)
	diskPartitionsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, diskSubSystem, "partitions"),
		"The number of partitions on the disk.",
		diskLabels,
		nil,
	)
	diskIdleSecondsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, diskSubSystem, "idle_timeout_seconds"),
		"Seconds without access before the disk is spun down, 0 when disabled.",
		diskLabels,
		nil,
	)

	partitionFreeDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, partitionSubSystem, "free_bytes"),
		"The number of bytes available on the partition.",
		partitionLabels,
		nil,
	)
	partitionTotalDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, partitionSubSystem, "total_bytes"),
		"The size of the partition in bytes.",
		partitionLabels,
		nil,
	)
	partitionMountedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, partitionSubSystem, "mounted"),
		"Whether the partition is mounted.",
		partitionLabels,
		nil,
	)
)

type diskStateCollector struct {
	descs []typedFactorDesc
	src   Source
}

func newDiskStateCollector(src Source) Collector {
	return &diskStateCollector{
		descs: []typedFactorDesc{
			{desc: diskCapacityDesc, valueType: prometheus.GaugeValue},
			{desc: diskSleepingDesc, valueType: prometheus.GaugeValue},
			{desc: diskPartitionsDesc, valueType: prometheus.GaugeValue},
			{desc: diskIdleSecondsDesc, valueType: prometheus.GaugeValue},
		},
		src: src,
	}
}

func (d *diskStateCollector) Name() string {
	return "disk_state"
}

func (d *diskStateCollector) Update(ch chan<- prometheus.Metric) error {
	disks := d.src.Disks()
	if len(disks) == 0 {
		return ErrNoData
	}
	for _, hd := range disks {
		size := hd.DiskSize()
		if size < 0 {
			// gone while scraping
			continue
		}
		// need keep order with desc
		for i, val := range []float64{
			float64(size) * bytesPerMB,
			boolToFloat(hd.IsSleeping()),
			float64(hd.NumPartitions()),
			hd.IdleTime().Seconds(),
		} {
			if i >= len(d.descs) {
				break
			}
			ch <- d.descs[i].mustNewConstMetric(val, hd.Device(), string(hd.Bus()))
		}
	}
	return nil
}

type partitionCollector struct {
	descs []typedFactorDesc
	src   Source
}

func newPartitionCollector(src Source) Collector {
	return &partitionCollector{
		descs: []typedFactorDesc{
			{desc: partitionFreeDesc, valueType: prometheus.GaugeValue},
			{desc: partitionTotalDesc, valueType: prometheus.GaugeValue},
			{desc: partitionMountedDesc, valueType: prometheus.GaugeValue},
		},
		src: src,
	}
}

func (p *partitionCollector) Name() string {
	return "partition"
}

func (p *partitionCollector) Update(ch chan<- prometheus.Metric) error {
	parts := p.src.Partitions()
	if len(parts) == 0 {
		return ErrNoData
	}
	for _, part := range parts {
		labels := []string{part.MountPoint, part.Device, strconv.FormatBool(part.IsHotplug)}
		mounted := part.Mounted()
		ch <- p.descs[2].mustNewConstMetric(boolToFloat(mounted), labels...)
		if !mounted {
			continue
		}
		free, err := part.Free()
		if err != nil {
			log.Debugf("stat %s failed: %v", part.MountPoint, err)
			continue
		}
		total, err := part.Total()
		if err != nil {
			continue
		}
		ch <- p.descs[0].mustNewConstMetric(float64(free), labels...)
		ch <- p.descs[1].mustNewConstMetric(float64(total), labels...)
	}
	return nil
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
