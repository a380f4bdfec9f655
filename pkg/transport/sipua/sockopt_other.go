//go:build !linux

package sipua

import "net"

func setDSCP(net.PacketConn, int) error { return nil }
