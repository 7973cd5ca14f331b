// Package obfuscator implements a byte-pump capability: a client connection
// is paired with a connection to the real peer, and every byte crossing the
// pair is XORed against a keystream before it leaves this process. No other
// package in this module calls it.
package obfuscator

import (
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"

	"golang.org/x/crypto/chacha20"
)

// forwardBufferSize matches the original Rust forwarder's 64KiB buffer
// (mullvad-obfuscated-dns-proxy), larger than the teacher's 32KB tunnel
// proxy buffer since obfuscation here runs in both directions per-call
// rather than through gVisor's own buffering.
const forwardBufferSize = 64 * 1024

// Obfuscator transforms bytes in place before they cross the wire. Clone
// must return an independent keystream position so the two directions of a
// single connection can run concurrently without sharing cipher state —
// this mirrors the Rust trait's `fn clone(&self) -> Self`.
type Obfuscator interface {
	Addr() netip.AddrPort
	Clone() Obfuscator
	Obfuscate(b []byte)
}

// ChaCha20Obfuscator XORs traffic against a ChaCha20 keystream. Unlike
// using ChaCha20 for encryption proper, there is no AEAD tag and no replay
// protection — its only job is to keep a passive observer from pattern
// matching the tunnel's plaintext wire format, not to provide
// confidentiality against an active attacker (the WireGuard/OpenVPN layer
// underneath already does that).
type ChaCha20Obfuscator struct {
	addr   netip.AddrPort
	key    [32]byte
	nonce  [chacha20.NonceSize]byte
	cipher *chacha20.Cipher
}

// NewChaCha20Obfuscator derives a cipher from key/nonce and binds it to
// addr, the real peer endpoint traffic is ultimately forwarded to.
func NewChaCha20Obfuscator(addr netip.AddrPort, key [32]byte, nonce [chacha20.NonceSize]byte) (*ChaCha20Obfuscator, error) {
	c, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		return nil, fmt.Errorf("[Obfuscator] new cipher: %w", err)
	}
	return &ChaCha20Obfuscator{addr: addr, key: key, nonce: nonce, cipher: c}, nil
}

// GenerateKey returns a random 32-byte ChaCha20 key suitable for
// NewChaCha20Obfuscator.
func GenerateKey() ([32]byte, error) {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("[Obfuscator] generate key: %w", err)
	}
	return key, nil
}

func (o *ChaCha20Obfuscator) Addr() netip.AddrPort { return o.addr }

// Clone returns a fresh cipher instance over the same key/nonce, reset to
// the start of the keystream. Obfuscate is called independently on each
// direction of a connection (see Forward), so each direction needs its own
// keystream position even though both use the same key/nonce pair.
func (o *ChaCha20Obfuscator) Clone() Obfuscator {
	c, _ := chacha20.NewUnauthenticatedCipher(o.key[:], o.nonce[:])
	return &ChaCha20Obfuscator{addr: o.addr, key: o.key, nonce: o.nonce, cipher: c}
}

func (o *ChaCha20Obfuscator) Obfuscate(b []byte) {
	o.cipher.XORKeyStream(b, b)
}

// Forward dials the obfuscator's peer address and pumps bytes in both
// directions between clientConn and that connection, obfuscating every
// byte that leaves this process. Grounded directly on the Rust forwarder's
// forward/forward_inner pair: one obfuscator clone per direction, read,
// obfuscate in place, write, repeat until EOF or error.
func Forward(o Obfuscator, clientConn net.Conn) error {
	serverConn, err := net.Dial("tcp", o.Addr().String())
	if err != nil {
		return fmt.Errorf("[Obfuscator] dial peer %s: %w", o.Addr(), err)
	}
	defer serverConn.Close()

	writeObfuscator := o.Clone()

	var wg sync.WaitGroup
	var clientToServerErr, serverToClientErr error
	wg.Add(2)

	go func() {
		defer wg.Done()
		clientToServerErr = forwardInner(o, clientConn, serverConn)
	}()
	go func() {
		defer wg.Done()
		serverToClientErr = forwardInner(writeObfuscator, serverConn, clientConn)
	}()

	wg.Wait()

	if clientToServerErr != nil {
		return clientToServerErr
	}
	return serverToClientErr
}

func forwardInner(o Obfuscator, source, sink net.Conn) error {
	buf := make([]byte, forwardBufferSize)
	for {
		n, readErr := source.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			o.Obfuscate(chunk)
			if _, writeErr := sink.Write(chunk); writeErr != nil {
				return writeErr
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			return readErr
		}
	}
}
