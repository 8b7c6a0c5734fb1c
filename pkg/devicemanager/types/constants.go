package types

const (
	// AutofsPrefix hotplug partitions are published under /autofs/<device>/
	AutofsPrefix = "/autofs/"

	// LegacyTableLimit disks smaller than this many MB get a single primary partition table
	LegacyTableLimit = 300000
	// LargeFileLimit disks bigger than this many MB are formatted with the largefile usage type
	LargeFileLimit = 4 * 1024

	// major numbers of virtual block devices that are never offered to the user
	MajorLoop     = 7
	MajorMtdBlock = 31
	MajorMmcBlock = 179

	// MountFailure status reported by mount(8)/umount(8) style failures
	MountFailure = 32

	SfdiskCmd   = "sfdisk"
	PartedCmd   = "parted"
	MkfsExt4Cmd = "mkfs.ext4"
	FsckExt3Cmd = "fsck.ext3"
	FsckExt4Cmd = "fsck.ext4"
	HdparmCmd   = "hdparm"
	DdCmd       = "dd"
	UdevadmCmd  = "udevadm"
	StdbufCmd   = "stdbuf"
)

// Action of a partition list change event
type Action string

const (
	ActionAdd    Action = "add"
	ActionRemove Action = "remove"
)

// Bus classifies where a disk is attached
type Bus string

const (
	BusInternal   Bus = "Internal"
	BusExternal   Bus = "External"
	BusExternalCF Bus = "External (CF)"
)
