// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package core

import (
	"errors"

	"golang.org/x/sys/unix"
)

// InvalidFd marks a released or never-opened descriptor.
const InvalidFd = -1

// Nonblock puts fd in non-blocking mode.
func Nonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}

// ReusePort sets SO_REUSEADDR and SO_REUSEPORT on fd.
func ReusePort(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return err
	}
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
}

// BindToDevice binds fd to the network interface ifname.
// No-op when ifname is empty.
func BindToDevice(fd int, ifname string) error {
	if len(ifname) <= 0 {
		return nil
	}
	return unix.SetsockoptString(fd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, ifname)
}

// LingerZero arms SO_LINGER with a zero timeout so that the
// following close resets the connection (RST) instead of FIN.
func LingerZero(fd int) error {
	return unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 1, Linger: 0})
}

// CloseFd closes *fd if valid and stores InvalidFd in its place.
func CloseFd(fd *int) {
	if fd == nil || *fd == InvalidFd {
		return
	}
	_ = unix.Close(*fd)
	*fd = InvalidFd
}

// IsWouldBlock reports whether err is EAGAIN or EWOULDBLOCK.
func IsWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// IsEINTR reports whether err is EINTR.
func IsEINTR(err error) bool {
	return errors.Is(err, unix.EINTR)
}
