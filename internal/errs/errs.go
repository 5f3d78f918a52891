// Package errs names the error-kind taxonomy of spec 7 as errors.Is-
// compatible sentinels, so callers can switch on kind without string
// matching. Kinds that spec 7 says must stay silent (CRC/magic mismatch
// during probing, single-response parse failure, advert decode failure)
// never surface as one of these — they are logged and swallowed at the
// source.
package errs

import "errors"

var (
	ErrScanFailed      = errors.New("scan failed")
	ErrNoDevicesFound  = errors.New("no devices found")
	ErrConnectFailed   = errors.New("connect failed")
	ErrNotConnected    = errors.New("not connected")
	ErrWriteFailed     = errors.New("write failed")
	ErrResponseTimeout = errors.New("response timeout")
	ErrUpdateFailed    = errors.New("update failed")
)

// Is reports whether err is classified as kind anywhere in its chain.
func Is(err error, kind error) bool {
	return errors.Is(err, kind)
}
