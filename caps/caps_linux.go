//go:build linux
// +build linux

/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package caps checks whether this process holds the Linux capabilities
// it needs to tail log files owned by other users or agents running as
// other uids.
package caps

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const linuxCapV3 = 0x20080522

type Capabilities uint64

const All Capabilities = 0xffffffffffffffff

const (
	// DAC_OVERRIDE lets the process read/write files regardless of
	// permission bits.
	DAC_OVERRIDE Capabilities = 1 << 1

	// DAC_READ_SEARCH lets the process read and stat files and search
	// directories regardless of permission bits, without the broader
	// write access DAC_OVERRIDE grants.
	DAC_READ_SEARCH Capabilities = 1 << 2
)

type capHeader struct {
	version uint32
	pid     int
}

type capData struct {
	effective   uint32
	permitted   uint32
	inheritable uint32
}

// GetCaps returns the effective capability set of this process. Root
// (real or effective uid 0) is reported as holding every capability.
func GetCaps() (c Capabilities, err error) {
	if os.Getuid() == 0 || os.Geteuid() == 0 {
		return All, nil
	}
	hdr := capHeader{version: linuxCapV3}
	var data [2]capData
	_, _, errno := unix.RawSyscall(unix.SYS_CAPGET, uintptr(unsafe.Pointer(&hdr)), uintptr(unsafe.Pointer(&data)), 0)
	if errno != 0 {
		return 0, errno
	}
	return Capabilities(uint64(data[0].effective) | (uint64(data[1].effective) << 32)), nil
}

func (c Capabilities) Has(v Capabilities) bool {
	return c&v != 0
}

// Has reports whether the running process currently holds v, treating a
// failed capability query as "no".
func Has(v Capabilities) bool {
	c, err := GetCaps()
	if err != nil {
		return false
	}
	return c.Has(v)
}

// CanReadForeignFiles reports whether this process can tail log files it
// does not own without every target being made world-readable first.
func CanReadForeignFiles() bool {
	return Has(DAC_OVERRIDE) || Has(DAC_READ_SEARCH)
}
