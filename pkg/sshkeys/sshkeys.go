/*
Copyright 2024 The CloudTik Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package sshkeys generates the SSH keypair a cluster's auth block
// references, adapted from the teacher's pkg/ssh key generation.
package sshkeys

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// KeyPair is a generated RSA SSH identity: a PEM-encoded private key and
// an authorized_keys-formatted public key.
type KeyPair struct {
	PrivateKeyPEM    []byte
	PublicKeyAuthorized []byte
}

// NewKeyPair generates a fresh 4096-bit RSA SSH keypair, used when a
// cluster's auth block does not reference an existing key pair.
func NewKeyPair() (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		return nil, fmt.Errorf("failed to create private key: %w", err)
	}
	if err := priv.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate private key: %w", err)
	}

	privateKeyPEM := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)}
	var privBuf bytes.Buffer
	if err := pem.Encode(&privBuf, privateKeyPEM); err != nil {
		return nil, err
	}

	pubSSH, err := ssh.NewPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	return &KeyPair{
		PrivateKeyPEM:       privBuf.Bytes(),
		PublicKeyAuthorized: ssh.MarshalAuthorizedKey(pubSSH),
	}, nil
}

// Signer parses the keypair's private key into an ssh.Signer for dialing.
func (k *KeyPair) Signer() (ssh.Signer, error) {
	return ssh.ParsePrivateKey(k.PrivateKeyPEM)
}
