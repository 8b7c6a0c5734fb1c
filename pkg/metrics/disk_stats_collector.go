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
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/procfs/blockdevice"
	"github.com/stbox/harddisk/pkg/devicemanager/device"
)

const (
	diskStatsSubSystem string = "disk_stats"
	secondsPerTick            = 1.0 / 1000.0
	// Read sectors and write sectors are the "standard UNIX 512-byte sectors, not any device- or filesystem-specific block size."
	// See also https://www.kernel.org/doc/Documentation/block/stat.txt
	unixSectorSize = 512.0
)

var (
	deviceStatLabels = []string{"device"}

	readsCompletedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, diskStatsSubSystem, "reads_completed_total"),
		"The total number of reads completed successfully.",
		deviceStatLabels,
		nil,
	)
	readBytesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, diskStatsSubSystem, "read_bytes_total"),
		"The total number of bytes read successfully.",
		deviceStatLabels,
		nil,
	)
	writesCompletedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, diskStatsSubSystem, "writes_completed_total"),
		"The total number of writes completed successfully.",
		deviceStatLabels,
		nil,
	)
	writeBytesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, diskStatsSubSystem, "write_bytes_total"),
		"The total number of bytes write successfully.",
		deviceStatLabels,
		nil,
	)
	iONowDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, diskStatsSubSystem, "io_now"),
		"The number of I/Os currently in progress.",
		deviceStatLabels,
		nil,
	)
	iOTimeSecondsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, diskStatsSubSystem, "io_time_seconds_total"),
		"Total seconds spent doing I/Os.",
		deviceStatLabels,
		nil,
	)
)

type diskStatsCollector struct {
	descs []typedFactorDesc
	src   Source
	fs    blockdevice.FS
}

func newDiskStatsCollector(src Source, paths device.Paths) (Collector, error) {
	fs, err := blockdevice.NewFS(paths.ProcRoot, paths.SysRoot)
	if err != nil {
		return nil, errors.New("failed to open procfs:" + err.Error())
	}

	return &diskStatsCollector{
		descs: []typedFactorDesc{
			{desc: readsCompletedDesc, valueType: prometheus.CounterValue},
			{desc: readBytesDesc, valueType: prometheus.CounterValue},
			{desc: writesCompletedDesc, valueType: prometheus.CounterValue},
			{desc: writeBytesDesc, valueType: prometheus.CounterValue},
			{desc: iONowDesc, valueType: prometheus.GaugeValue},
			{desc: iOTimeSecondsDesc, valueType: prometheus.CounterValue},
		},
		src: src,
		fs:  fs,
	}, nil
}

func (d *diskStatsCollector) Name() string {
	return "disk_stats"
}

func (d *diskStatsCollector) Update(ch chan<- prometheus.Metric) error {
	disks := d.src.Disks()
	if len(disks) == 0 {
		return ErrNoData
	}
	diskStats, err := d.fs.ProcDiskstats()
	if err != nil {
		return errors.New("couldn't get diskstats:" + err.Error())
	}
	known := make(map[string]bool, len(disks))
	for _, hd := range disks {
		known[hd.Device()] = true
	}
	for _, stats := range diskStats {
		if !known[stats.DeviceName] {
			continue
		}
		for i, val := range []float64{
			// need keep order with desc
			float64(stats.ReadIOs),
			float64(stats.ReadSectors) * unixSectorSize,
			float64(stats.WriteIOs),
			float64(stats.WriteSectors) * unixSectorSize,
			float64(stats.IOsInProgress),
			float64(stats.IOsTotalTicks) * secondsPerTick,
		} {
			if i >= len(d.descs) {
				break
			}
			ch <- d.descs[i].mustNewConstMetric(val, stats.DeviceName)
		}
	}
	return nil
}
