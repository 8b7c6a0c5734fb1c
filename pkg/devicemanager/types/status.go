package types

// lifecycle status codes returned by Initialize and Check
const (
	StatusOK            = 0
	StatusPartition     = -1
	StatusMkfs          = -2
	StatusMount         = -3
	StatusMovieFolder   = -4
	StatusFsck          = -5
	StatusReboot        = -6
	StatusUncorrectable = -7
	StatusUnmount       = -8
	StatusBusy          = -9
)

var statusMessages = []string{
	"Everything is fine",
	"Creating partition failed",
	"Mkfs failed",
	"Mount failed",
	"Create movie folder failed",
	"Fsck failed",
	"Please Reboot",
	"Filesystem contains uncorrectable errors",
	"Unmount failed",
	"Another operation is running on this disk",
}

// StatusMessage returns the user facing text of a lifecycle status code
func StatusMessage(code int) string {
	if code > 0 || -code >= len(statusMessages) {
		return "Unknown error"
	}
	return statusMessages[-code]
}
