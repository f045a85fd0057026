package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPN is the application protocol negotiated on QUIC connections.
const ALPN = "scenesync"

var (
	_ Binding = (*QUICBinding)(nil)
	_ Binding = (*QUICDatagramBinding)(nil)
)

// QUICConfig returns the quic-go settings shared by listener and dialer. Datagrams
// must be enabled on both ends for unreliable channels.
func QUICConfig(idleTimeout, keepAlive time.Duration) *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  idleTimeout,
		KeepAlivePeriod: keepAlive,
		EnableDatagrams: true,
	}
}

// ServerTLSConfig generates a self-signed certificate for localhost.
func ServerTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"SceneSync"},
		},
		NotBefore:   time.Now(),
		NotAfter:    time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:    x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		DNSNames:    []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// ClientTLSConfig is the dialer side. insecure skips verification for
// self-signed development servers.
func ClientTLSConfig(insecure bool) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: insecure,
		NextProtos:         []string{ALPN},
		MinVersion:         tls.VersionTLS13,
	}
}

// QUICBinding writes length-prefixed frames to one QUIC stream. It serves the
// reliable channels of a user.
type QUICBinding struct {
	conn   *quic.Conn
	stream *quic.Stream
	closed atomic.Bool

	writeMu sync.Mutex
}

func NewQUICBinding(conn *quic.Conn, stream *quic.Stream) *QUICBinding {
	return &QUICBinding{conn: conn, stream: stream}
}

func (b *QUICBinding) Kind() Kind { return KindQUIC }

func (b *QUICBinding) RemoteAddr() net.Addr { return b.conn.RemoteAddr() }

func (b *QUICBinding) Send(ctx context.Context, frame []byte) error {
	if b.closed.Load() {
		return NewError(ErrorCodeConnectionClosed, "quic send", ErrConnectionClosed)
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	_ = b.stream.SetWriteDeadline(writeDeadline(ctx, 0))
	if err := WriteStreamFrame(b.stream, frame); err != nil {
		return NewError(ErrorCodeConnectionLost, "quic send", err)
	}
	return nil
}

// Close closes the send side of the stream. The connection belongs to the caller.
func (b *QUICBinding) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.stream.Close()
}

// QUICDatagramBinding sends each frame as one unreliable QUIC datagram.
type QUICDatagramBinding struct {
	conn   *quic.Conn
	closed atomic.Bool
}

func NewQUICDatagramBinding(conn *quic.Conn) *QUICDatagramBinding {
	return &QUICDatagramBinding{conn: conn}
}

func (b *QUICDatagramBinding) Kind() Kind { return KindQUICDatagram }

func (b *QUICDatagramBinding) Send(_ context.Context, frame []byte) error {
	if b.closed.Load() {
		return NewError(ErrorCodeConnectionClosed, "quic datagram", ErrConnectionClosed)
	}
	if err := b.conn.SendDatagram(frame); err != nil {
		return NewError(ErrorCodeTransportFailed, "quic datagram", err)
	}
	return nil
}

func (b *QUICDatagramBinding) Close() error {
	b.closed.Store(true)
	return nil
}

// WriteStreamFrame writes [u32 big-endian length][frame].
func WriteStreamFrame(w io.Writer, frame []byte) error {
	if len(frame) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(frame)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(frame)
	return err
}

// ReadStreamFrame reads one frame written by WriteStreamFrame.
func ReadStreamFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}
