// keylog.go provides TLS key logging for traffic analysis with Wireshark.
//
// This implements the SSLKEYLOGFILE format that allows Wireshark to decrypt
// TLS traffic when the key log file is configured in Wireshark's settings.
// Set SSLKEYLOGFILE=/path/to/keys.log before running; the TLS layer feeds
// the returned writer into its handshake config.
package transport

import (
	"io"
	"os"
	"sync"
)

var (
	keyLogOnce   sync.Once
	keyLogWriter io.Writer
)

// GetKeyLogWriter returns the process-wide key log writer, opened from the
// SSLKEYLOGFILE environment variable on first use, or nil when key logging
// is not configured.
func GetKeyLogWriter() io.Writer {
	keyLogOnce.Do(func() {
		path := os.Getenv("SSLKEYLOGFILE")
		if path == "" {
			return
		}
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
		if err != nil {
			// Silently ignore errors - this is a debug feature
			return
		}
		keyLogWriter = f
	})
	return keyLogWriter
}
