package proc

import (
	"io"
	"lunaviel/kernel"
)

// MaxFiles is the number of descriptor slots in a FileTable.
const MaxFiles = 64

// Descriptors inherited by every process. They are bound to the console.
const (
	Stdin  = 0
	Stdout = 1
	Stderr = 2

	firstFreeDescriptor = 3
)

// FileClass describes the kind of resource a File is bound to.
type FileClass uint8

const (
	// ClassConsole files read from and write to the kernel console.
	ClassConsole FileClass = iota + 1
)

var (
	// consoleSink receives the bytes written to console-class files.
	consoleSink io.Writer

	// ErrBadDescriptor is returned when a descriptor index is out of range
	// or refers to a free slot.
	ErrBadDescriptor = &kernel.Error{Module: "proc", Message: "bad file descriptor"}

	// ErrTooManyFiles is returned by Open when every slot is in use.
	ErrTooManyFiles = &kernel.Error{Module: "proc", Message: "file table is full"}

	// ErrFileTableReleased is returned by every FileTable operation after
	// Release has been invoked.
	ErrFileTableReleased = &kernel.Error{Module: "proc", Message: "file table has been released"}

	errNotWritable = &kernel.Error{Module: "proc", Message: "file is not writable"}
)

// SetConsoleSink sets the writer that receives output written to
// console-class files. A nil sink discards the output.
func SetConsoleSink(w io.Writer) {
	consoleSink = w
}

// File is an open file bound to a kernel resource.
type File struct {
	Class FileClass
}

// Write sends p to the resource the file is bound to.
func (f *File) Write(p []byte) (int, error) {
	switch f.Class {
	case ClassConsole:
		if consoleSink == nil {
			return len(p), nil
		}
		return consoleSink.Write(p)
	default:
		return 0, errNotWritable
	}
}

// FileTable maps small descriptor indices to open files.
type FileTable struct {
	files    [MaxFiles]*File
	released bool
}

// NewFileTable returns a table whose standard descriptors are bound to the
// console.
func NewFileTable() *FileTable {
	t := &FileTable{}
	for fd := Stdin; fd <= Stderr; fd++ {
		t.files[fd] = &File{Class: ClassConsole}
	}
	return t
}

// Get returns the file bound to fd.
func (t *FileTable) Get(fd uint64) (*File, *kernel.Error) {
	if t.released {
		return nil, ErrFileTableReleased
	}

	if fd >= MaxFiles || t.files[fd] == nil {
		return nil, ErrBadDescriptor
	}

	return t.files[fd], nil
}

// Open binds a new file of the given class to the lowest free descriptor
// above the standard ones and returns its index.
func (t *FileTable) Open(class FileClass) (int, *kernel.Error) {
	if t.released {
		return -1, ErrFileTableReleased
	}

	for fd := firstFreeDescriptor; fd < MaxFiles; fd++ {
		if t.files[fd] == nil {
			t.files[fd] = &File{Class: class}
			return fd, nil
		}
	}

	return -1, ErrTooManyFiles
}

// Close frees the slot for fd. Closing a free or out of range descriptor
// fails with ErrBadDescriptor.
func (t *FileTable) Close(fd uint64) *kernel.Error {
	if t.released {
		return ErrFileTableReleased
	}

	if fd >= MaxFiles || t.files[fd] == nil {
		return ErrBadDescriptor
	}

	t.files[fd] = nil
	return nil
}

// Count returns the number of bound descriptors.
func (t *FileTable) Count() int {
	count := 0
	for _, f := range t.files {
		if f != nil {
			count++
		}
	}
	return count
}

// Release closes every descriptor. Any further operation on the table fails
// with ErrFileTableReleased.
func (t *FileTable) Release() *kernel.Error {
	if t.released {
		return ErrFileTableReleased
	}

	for fd := range t.files {
		t.files[fd] = nil
	}
	t.released = true
	return nil
}
