//go:build linux

package etcdtest

import "syscall"

var getSysProcAttr = func() *syscall.SysProcAttr {
	// Deliver SIGTERM to `etcd` if this process dies (as on a test timeout
	// panic), so that `go test` doesn't hang awaiting the child.
	return &syscall.SysProcAttr{Pdeathsig: syscall.SIGTERM}
}
