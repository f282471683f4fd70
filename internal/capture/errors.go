package capture

import "errors"

var (
	// ErrDeviceBusy is returned by SetDevice while capture is active.
	ErrDeviceBusy = errors.New("capture is active, stop it before changing devices")

	// ErrDeviceUnavailable reports an enumeration or activation
	// failure. Capture simply does not start.
	ErrDeviceUnavailable = errors.New("capture device unavailable")

	// ErrSessionLost reports a mid-capture platform failure that
	// survived the bounded auto-recovery attempts.
	ErrSessionLost = errors.New("capture session lost")

	// ErrNeverStarted reports that the backend produced zero chunks
	// after repeated attempts. Usually a permission problem or a
	// conflicting process holding the device.
	ErrNeverStarted = errors.New("capture never produced data (check permissions and conflicting applications)")

	// errNoLoopbackDevice: no monitor/loopback endpoint was found for
	// desktop audio capture.
	errNoLoopbackDevice = errors.New("no desktop loopback device found")
)
