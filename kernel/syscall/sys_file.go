package syscall

import (
	"encoding/binary"
	"lunaviel/kernel/mm"
	"lunaviel/kernel/mm/vmm"
	"lunaviel/kernel/proc"
)

const (
	// maxPathLen is the size of the largest path (including the NUL
	// terminator) accepted by open.
	maxPathLen = 4096

	consolePath = "/dev/console"

	// Layout of the x86_64 struct stat.
	statSize       = 144
	statNlinkOff   = 16
	statModeOff    = 24
	statRdevOff    = 40
	statBlksizeOff = 56

	modeCharDevice = 0020000
	consoleMode    = modeCharDevice | 0620

	// consoleRdev is the device number of /dev/console (major 5, minor 1).
	consoleRdev = 5<<8 | 1

	consoleBlksize = 1024
)

var (
	// Staging buffers for user data. Handlers never run concurrently.
	ioBuf   [512]byte
	pathBuf [maxPathLen]byte
	statBuf [statSize]byte
)

// fileFor looks up the file bound to fd in the file table of p.
func fileFor(p *proc.Process, fd uint64) (*proc.File, int64) {
	files, err := p.Files()
	if err != nil {
		return nil, EBADF
	}

	f, err := files.Get(fd)
	if err != nil {
		return nil, EBADF
	}

	return f, 0
}

// sysRead implements read(fd, buf, count). The console has no input source
// so reads from console descriptors report end of file.
func sysRead(p *proc.Process, args [6]uint64) int64 {
	fd, buf, count := args[0], uintptr(args[1]), uintptr(args[2])

	if _, errno := fileFor(p, fd); errno != 0 {
		return errno
	}

	if count == 0 {
		return 0
	}

	as, err := p.AddressSpace()
	if err != nil || !as.CheckRange(buf, count, vmm.PermWrite) {
		return EFAULT
	}

	return 0
}

// sysWrite implements write(fd, buf, count) for console descriptors. The
// whole user buffer is validated before the sink sees any byte. If the sink
// fails or accepts fewer bytes than offered the count written so far is
// returned, or EIO when nothing was written.
func sysWrite(p *proc.Process, args [6]uint64) int64 {
	fd, buf, count := args[0], uintptr(args[1]), uintptr(args[2])

	f, errno := fileFor(p, fd)
	if errno != 0 {
		return errno
	}

	if f.Class != proc.ClassConsole {
		return EBADF
	}

	if count == 0 {
		return 0
	}

	as, err := p.AddressSpace()
	if err != nil || !as.CheckRange(buf, count, vmm.PermRead) {
		return EFAULT
	}

	for done := uintptr(0); done < count; {
		chunk := uintptr(len(ioBuf))
		if rem := count - done; chunk > rem {
			chunk = rem
		}

		if err = as.CopyIn(ioBuf[:chunk], buf+done); err != nil {
			return EFAULT
		}

		n, werr := f.Write(ioBuf[:chunk])
		done += uintptr(n)
		if werr != nil || uintptr(n) < chunk {
			if done == 0 {
				return EIO
			}
			return int64(done)
		}
	}

	return int64(count)
}

// sysOpen implements open(path, flags, mode). Only the console device can be
// opened; the flags and mode arguments are ignored.
func sysOpen(p *proc.Process, args [6]uint64) int64 {
	pathLen, errno := readPath(p, uintptr(args[0]))
	if errno != 0 {
		return errno
	}

	if string(pathBuf[:pathLen]) != consolePath {
		return ENOENT
	}

	files, err := p.Files()
	if err != nil {
		return EBADF
	}

	fd, err := files.Open(proc.ClassConsole)
	if err != nil {
		return EMFILE
	}

	return int64(fd)
}

// readPath copies the NUL-terminated string at addr into pathBuf and returns
// its length. The string is read one page at a time so that a path ending
// just before an unmapped page is still accepted.
func readPath(p *proc.Process, addr uintptr) (uintptr, int64) {
	as, err := p.AddressSpace()
	if err != nil {
		return 0, EFAULT
	}

	for done := uintptr(0); done < maxPathLen; {
		chunk := mm.PageSize - ((addr + done) & (mm.PageSize - 1))
		if rem := maxPathLen - done; chunk > rem {
			chunk = rem
		}

		if err = as.CopyIn(pathBuf[done:done+chunk], addr+done); err != nil {
			return 0, EFAULT
		}

		for i := done; i < done+chunk; i++ {
			if pathBuf[i] == 0 {
				return i, 0
			}
		}

		done += chunk
	}

	return 0, ENAMETOOLONG
}

// sysClose implements close(fd). Closing a descriptor that is not bound
// fails with EBADF.
func sysClose(p *proc.Process, args [6]uint64) int64 {
	files, err := p.Files()
	if err != nil {
		return EBADF
	}

	if err = files.Close(args[0]); err != nil {
		return EBADF
	}

	return 0
}

// sysFstat implements fstat(fd, statbuf).
func sysFstat(p *proc.Process, args [6]uint64) int64 {
	fd, buf := args[0], uintptr(args[1])

	f, errno := fileFor(p, fd)
	if errno != 0 {
		return errno
	}

	as, err := p.AddressSpace()
	if err != nil || !as.CheckRange(buf, statSize, vmm.PermWrite) {
		return EFAULT
	}

	encodeStat(f)

	if err = as.CopyOut(buf, statBuf[:]); err != nil {
		return EFAULT
	}

	return 0
}

// encodeStat fills statBuf with the attributes of f.
func encodeStat(f *proc.File) {
	for i := range statBuf {
		statBuf[i] = 0
	}

	switch f.Class {
	case proc.ClassConsole:
		binary.LittleEndian.PutUint64(statBuf[statNlinkOff:], 1)
		binary.LittleEndian.PutUint32(statBuf[statModeOff:], consoleMode)
		binary.LittleEndian.PutUint64(statBuf[statRdevOff:], consoleRdev)
		binary.LittleEndian.PutUint64(statBuf[statBlksizeOff:], consoleBlksize)
	}
}
