package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func runtimeSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		Allow(
			"read", "write", "readv", "writev", "pread64", "pwrite64",
			"open", "openat", "close", "lseek",
			"stat", "fstat", "lstat", "newfstatat",
			"access", "faccessat", "faccessat2",
			"dup", "dup2", "dup3",
			"fcntl",
			"poll", "ppoll", "select", "pselect6",
			"pipe", "pipe2",
			"readlink", "readlinkat",
			"getdents64",
		).
		Allow(
			"brk", "mmap", "munmap", "mprotect", "mremap",
			"madvise",
		).
		Allow(
			"execve", "execveat",
			"exit", "exit_group",
			"wait4", "waitid",
			"clone", "clone3",
			"vfork",
			"set_tid_address",
			"set_robust_list", "get_robust_list",
		).
		Allow(
			"futex",
			"gettid",
			"tgkill",
			"rt_sigaction", "rt_sigprocmask", "rt_sigreturn",
			"sigaltstack",
		).
		Allow(
			"clock_gettime", "clock_getres",
			"gettimeofday",
			"nanosleep", "clock_nanosleep",
		).
		Allow(
			"getpid", "getppid",
			"getuid", "geteuid",
			"getgid", "getegid",
			"uname",
			"getcwd",
		).
		Allow(
			"epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait",
			"eventfd2",
		).
		Allow(
			"getrandom",
			"arch_prctl",
			"prctl",
			"ioctl",
			"sysinfo",
			"getrlimit", "prlimit64",
			"umask",
			"chmod", "fchmod", "fchmodat",
			"chdir", "fchdir",
			"rename", "renameat", "renameat2",
			"unlink", "unlinkat",
			"mkdir", "mkdirat",
			"rmdir",
			"symlink", "symlinkat",
			"link", "linkat",
			"ftruncate",
			"fallocate",
			"fsync", "fdatasync",
			"flock",
			"statfs", "fstatfs",
			"statx",
			"memfd_create",
			"copy_file_range",
			"sched_yield", "sched_getaffinity",
			"getpgrp", "setpgid", "getsid", "setsid",
			"rseq",
		)
}

func escapeSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		Trap(
			"ptrace",
			"process_vm_readv", "process_vm_writev",
			"keyctl",
			"add_key", "request_key",
			"bpf",
			"perf_event_open",
			"userfaultfd",
			"kexec_load", "kexec_file_load",
			"finit_module", "init_module", "delete_module",
		).
		Deny(
			"mount", "umount2", "pivot_root",
			"reboot",
			"swapon", "swapoff",
			"sethostname", "setdomainname",
			"setns", "unshare",
			"acct",
			"settimeofday", "adjtimex", "clock_adjtime",
			"nfsservctl",
			"personality",
			"lookup_dcookie",
			"ioperm", "iopl",
			"open_by_handle_at", "name_to_handle_at",
			"chroot",
		)
}

// DefaultProfile is the profile every sandbox container gets unless the
// policy allows networking. It covers what the python, node, bash and go
// runtimes need to start and run a single script.
func DefaultProfile() *specs.LinuxSeccomp {
	b := NewBuilder()
	b = runtimeSyscalls(b)
	b = escapeSyscalls(b)
	return b.Build()
}

// NetworkAllowProfile is DefaultProfile plus the socket family.
func NetworkAllowProfile() *specs.LinuxSeccomp {
	b := NewBuilder()
	b = runtimeSyscalls(b)

	b.Allow(
		"socket", "connect", "bind", "listen", "accept", "accept4",
		"sendto", "recvfrom", "sendmsg", "recvmsg",
		"getsockopt", "setsockopt",
		"getsockname", "getpeername",
		"shutdown",
	)

	b = escapeSyscalls(b)
	return b.Build()
}
