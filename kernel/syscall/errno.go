package syscall

// Errno values returned to user code. EBADF deliberately differs from the
// Linux value; every other constant matches the Linux x86_64 ABI.
const (
	EBADF        = int64(-1)
	ENOENT       = int64(-2)
	EIO          = int64(-5)
	EFAULT       = int64(-14)
	EMFILE       = int64(-24)
	ENAMETOOLONG = int64(-36)
	ENOSYS       = int64(-38)
)
