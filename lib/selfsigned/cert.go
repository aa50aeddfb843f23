// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package selfsigned generates certificates for the management
// endpoint on hosts without a real one, and for tests.
package selfsigned

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"flag"
	"fmt"
	"io"
	"math/big"
	"net"
	"os"
	"strings"
	"time"

	"github.com/escience-bridge/slurmbridge/lib/cmd"
)

type CertGenerator struct {
	Bits     int
	Hosts    []string
	Validity time.Duration
}

func (gen CertGenerator) Generate() (cert tls.Certificate, err error) {
	validity := gen.Validity
	if validity == 0 {
		validity = 24 * time.Hour * 365
	}
	notBefore := time.Now()
	notAfter := notBefore.Add(validity)
	snMax := new(big.Int).Lsh(big.NewInt(1), 128)
	sn, err := rand.Int(rand.Reader, snMax)
	if err != nil {
		err = fmt.Errorf("failed to generate serial number: %w", err)
		return
	}
	template := x509.Certificate{
		SerialNumber: sn,
		Subject: pkix.Name{
			Organization: []string{"slurmbridge"},
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range gen.Hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}
	bits := gen.Bits
	if bits == 0 {
		bits = 4096
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		err = fmt.Errorf("error generating key: %w", err)
		return
	}
	certder, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		err = fmt.Errorf("error creating certificate: %w", err)
		return
	}
	cert = tls.Certificate{
		Certificate: [][]byte{certder},
		PrivateKey:  priv,
	}
	return
}

// WriteFiles generates a certificate and writes it and its private
// key to PEM files, in the form expected by Management.TLS.
func (gen CertGenerator) WriteFiles(certFile, keyFile string) error {
	cert, err := gen.Generate()
	if err != nil {
		return err
	}
	keyder, err := x509.MarshalPKCS8PrivateKey(cert.PrivateKey)
	if err != nil {
		return err
	}
	if err := writePEM(keyFile, 0600, "PRIVATE KEY", keyder); err != nil {
		return err
	}
	return writePEM(certFile, 0644, "CERTIFICATE", cert.Certificate[0])
}

func writePEM(fnm string, mode os.FileMode, typ string, der []byte) error {
	f, err := os.OpenFile(fnm, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	err = pem.Encode(f, &pem.Block{Type: typ, Bytes: der})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Command writes a self-signed certificate and key for the given
// hosts.
var Command cmd.Handler = certCommand{}

type certCommand struct{}

func (certCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	flags.SetOutput(stderr)
	certFile := flags.String("cert", "slurmbridge.pem", "write certificate to `file`")
	keyFile := flags.String("key", "slurmbridge.key", "write private key to `file`")
	hosts := flags.String("hosts", "localhost,127.0.0.1", "comma-separated host names and addresses")
	bits := flags.Int("bits", 4096, "RSA key size")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	gen := CertGenerator{Bits: *bits, Hosts: strings.Split(*hosts, ",")}
	if err := gen.WriteFiles(*certFile, *keyFile); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintf(stdout, "wrote %s and %s\n", *certFile, *keyFile)
	return 0
}
