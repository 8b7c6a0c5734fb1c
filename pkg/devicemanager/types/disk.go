package types

// BlockDevice is what the prober learned about one /sys/block entry
type BlockDevice struct {
	// Name is the device handle, e.g. sda
	Name string `json:"name"`
	// Error some property could not be read
	Error bool `json:"error"`
	// Blacklisted loop, mtdblock and mmcblk devices
	Blacklisted bool `json:"blacklisted"`
	Removable   bool `json:"removable"`
	CDROM       bool `json:"cdrom"`
	// Partitions handles of the sub-partitions, e.g. sda1
	Partitions []string `json:"partitions"`
	// MediumFound false only when opening the node reports no medium
	MediumFound bool `json:"mediumFound"`
}

// ScannedDevice records a device seen while enumerating at startup
type ScannedDevice struct {
	Name        string `json:"name"`
	Removable   bool   `json:"removable"`
	CDROM       bool   `json:"cdrom"`
	MediumFound bool   `json:"mediumFound"`
}

// DiskInfo is the consumer view of a disk
type DiskInfo struct {
	Name          string `json:"name"`
	Model         string `json:"model"`
	Capacity      string `json:"capacity"`
	Bus           Bus    `json:"bus"`
	Sleeping      bool   `json:"sleeping"`
	MountPoint    string `json:"mountPoint"`
	NumPartitions int    `json:"numPartitions"`
}

// PartitionInfo is the consumer view of a partition
type PartitionInfo struct {
	MountPoint  string `json:"mountPoint"`
	Device      string `json:"device"`
	Description string `json:"description"`
	Mounted     bool   `json:"mounted"`
	Hotplug     bool   `json:"hotplug"`
	Free        uint64 `json:"free"`
	Total       uint64 `json:"total"`
}
