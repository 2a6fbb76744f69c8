package mainboilerplate

import (
	"context"
	"crypto/tls"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"
	"go.etcd.io/etcd/client/pkg/v3/transport"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc"
)

// EtcdConfig configures the application Etcd session.
type EtcdConfig struct {
	Address       string        `long:"address" env:"ADDRESS" default:"http://localhost:2379" description:"Etcd service address endpoint"`
	CertFile      string        `long:"cert-file" env:"CERT_FILE" default:"" description:"Path to the client TLS certificate"`
	CertKeyFile   string        `long:"cert-key-file" env:"CERT_KEY_FILE" default:"" description:"Path to the client TLS private key"`
	TrustedCAFile string        `long:"trusted-ca-file" env:"TRUSTED_CA_FILE" default:"" description:"Path to the trusted CA for client verification of server certificates"`
	Root          string        `long:"root" env:"ROOT" default:"/hwm/" description:"Etcd prefix under which all keys are stored"`
	Timeout       time.Duration `long:"timeout" env:"TIMEOUT" default:"10s" description:"Timeout of dialing Etcd"`
}

// MustDial builds an Etcd client connection.
func (c *EtcdConfig) MustDial() *clientv3.Client {
	var addr, err = url.Parse(c.Address)
	Must(err, "failed to parse Etcd address", "address", c.Address)

	var tlsConfig *tls.Config

	switch addr.Scheme {
	case "https":
		var info = transport.TLSInfo{
			CertFile:      c.CertFile,
			KeyFile:       c.CertKeyFile,
			TrustedCAFile: c.TrustedCAFile,
		}
		tlsConfig, err = info.ClientConfig()
		Must(err, "failed to build TLS config")
	case "unix":
		// The Etcd client requires hostname is stripped from unix:// URLs.
		addr.Host = ""
	}

	// Use a blocking dial to build a trial connection to Etcd, so that a
	// mis-configuration fails here rather than on first use.
	var timer = time.AfterFunc(time.Second, func() {
		log.WithField("addr", addr.String()).Warn("dialing Etcd is taking a while (is network okay?)")
	})
	defer timer.Stop()

	etcd, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{addr.String()},
		DialTimeout: c.Timeout,
		DialOptions: []grpc.DialOption{grpc.WithBlock()},
		// Require a reasonably recent server cluster.
		RejectOldCluster: true,
		TLS:              tlsConfig,
	})
	Must(err, "failed to build Etcd client", "addr", addr.String())

	var ctx, cancel = context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	Must(etcd.Sync(ctx), "initial Etcd endpoint sync failed")
	return etcd
}
