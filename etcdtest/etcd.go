// Package etcdtest runs an Etcd server for the duration of a package's tests,
// and provides a client of it.
package etcdtest

import (
	"context"
	"log"
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Available returns whether an Etcd server was started by TestMainWithEtcd.
// It's false if no `etcd` binary could be found on the $PATH, in which case
// tests requiring Etcd should be skipped.
func Available() bool { return _etcdClient != nil }

// TestClient returns a client of the Etcd test server. It asserts that the
// Etcd keyspace is empty before returning to the client: in other words, that
// the prior test cleaned up after itself.
func TestClient() *clientv3.Client {
	if _etcdClient == nil {
		log.Fatal("etcd is not available (see Available)")
	}
	var resp, err = _etcdClient.Get(context.Background(), "", clientv3.WithPrefix(), clientv3.WithLimit(5))
	if err != nil {
		log.Fatal(err)
	} else if len(resp.Kvs) != 0 {
		log.Fatalf("etcd not empty; did a previous test not clean up?\n%+v", resp)
	}
	return _etcdClient
}

// Cleanup removes all keys of the Etcd test server. It's called at the
// completion of each test using TestClient.
func Cleanup() {
	if _, err := _etcdClient.Delete(context.Background(), "", clientv3.WithPrefix()); err != nil {
		log.Fatal(err)
	}
}

var _etcdClient *clientv3.Client

// TestMainWithEtcd starts an Etcd server before running the tests of |m|,
// and stops it after. Packages call it from their TestMain:
//
//	func TestMain(m *testing.M) { etcdtest.TestMainWithEtcd(m) }
func TestMainWithEtcd(m *testing.M) {
	if _, err := exec.LookPath("etcd"); err != nil {
		log.Println("etcd not found; tests requiring etcd will be skipped")
		os.Exit(m.Run())
	}

	var dir, err = os.MkdirTemp("", "etcdtest")
	if err != nil {
		log.Fatal(err)
	}
	var cmd = exec.Command("etcd",
		"--listen-peer-urls", "unix://peer.sock:0",
		"--listen-client-urls", "unix://client.sock:0",
		"--advertise-client-urls", "unix://client.sock:0",
	)
	cmd.Env = append([]string{"ETCD_LOG_LEVEL=error", "ETCD_LOGGER=zap"}, os.Environ()...)
	cmd.Dir = dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = getSysProcAttr()

	log.Println("starting etcd: ", cmd.Args)
	if err = cmd.Start(); err != nil {
		log.Fatal(err)
	}

	os.Exit(func() int {
		defer func() {
			if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
				log.Fatal("failed to TERM etcd: ", err)
			}
			_ = cmd.Wait()

			if err := os.RemoveAll(dir); err != nil {
				log.Fatalf("failed to remove etcd directory %v: %v", dir, err)
			}
		}()

		var ep = "unix://" + dir + "/client.sock:0"
		if _etcdClient, err = clientv3.New(clientv3.Config{
			Endpoints:   []string{ep},
			DialTimeout: 5 * time.Second,
		}); err != nil {
			log.Fatal(err)
		}
		_ = TestClient() // Verify the client works.

		return m.Run()
	}())
}
