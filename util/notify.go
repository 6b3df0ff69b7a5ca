package util

import (
	"net"
	"os"
)

// Notify sends a sd_notify message to NOTIFY_SOCKET if set, and is a no-op
// (returning nil) otherwise, e.g. not running under systemd.
func Notify(state string) error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return nil
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write([]byte(state))
	return err
}
