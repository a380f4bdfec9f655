//go:build linux

package sipua

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// setDSCP помечает исходящие RTP пакеты классом обслуживания (старшие 6 бит TOS)
func setDSCP(conn net.PacketConn, dscp int) error {
	sc, ok := conn.(syscall.Conn)
	if !ok || dscp <= 0 {
		return nil
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return err
	}

	tos := dscp << 2
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, tos)
		// для IPv6 сокета IP_TOS может не примениться
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
	})
	if err != nil {
		return err
	}
	return sockErr
}
