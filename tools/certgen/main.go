// Package main bootstraps the relay PKI: a CA, a server certificate and,
// optionally, a client certificate, written under -dir.
package main

import (
	"flag"
	"fmt"
	"log"
	"strings"

	"github.com/atinyakov/hammerchat/internal/certgen"
)

type options struct {
	dir   string
	hosts string
	user  string
}

func run(o options) error {
	caCertPEM, caKeyPEM, err := certgen.GenerateCA("HammerChat CA")
	if err != nil {
		return err
	}
	if err := certgen.WritePair(o.dir, "ca", caCertPEM, caKeyPEM); err != nil {
		return err
	}
	caCert, caKey, err := certgen.ParseCA(caCertPEM, caKeyPEM)
	if err != nil {
		return err
	}

	hosts := strings.Split(o.hosts, ",")
	for i := range hosts {
		hosts[i] = strings.TrimSpace(hosts[i])
	}
	certPEM, keyPEM, err := certgen.GenerateServerCertificate(hosts, caCert, caKey)
	if err != nil {
		return err
	}
	if err := certgen.WritePair(o.dir, "server", certPEM, keyPEM); err != nil {
		return err
	}

	if o.user != "" {
		certPEM, keyPEM, err := certgen.GenerateUserCertificate(o.user, caCert, caKey)
		if err != nil {
			return err
		}
		if err := certgen.WritePair(o.dir, "client", certPEM, keyPEM); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	var o options
	flag.StringVar(&o.dir, "dir", "certs", "output directory")
	flag.StringVar(&o.hosts, "hosts", "localhost,127.0.0.1", "comma-separated server host names and IPs")
	flag.StringVar(&o.user, "user", "", "also issue a client certificate for this user id")
	flag.Parse()

	if err := run(o); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Certificates generated into ./%s\n", o.dir)
}
