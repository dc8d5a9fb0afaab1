package firmware

import "errors"

var errNoTransport = errors.New("firmware: no transport configured")

// ErrCannotOpenFile is wrapped into the error LoadPlan returns when the
// firmware image can't be read from disk. runUpload reports every plan
// error other than ErrOutOfMemory, this one included, with the
// "Cannot open file" label used by the upload-progress surface for
// nodes that never got as far as having a plan at all.
var ErrCannotOpenFile = errors.New("firmware: cannot open file")

// ErrOutOfMemory is wrapped into the error LoadPlan returns when a
// firmware image exceeds MaxFirmwareImageBytes. Go doesn't expose a
// recoverable allocation-failure error the way the C master does when
// malloc returns NULL; rejecting oversized images before they're read
// into memory is this port's equivalent guard, reported with the same
// "OOM" label.
var ErrOutOfMemory = errors.New("firmware: firmware image too large")
