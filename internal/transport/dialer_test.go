package transport

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/botswarm/internal/protocol"
	"github.com/cory-johannsen/botswarm/internal/protocol/v114"
)

func TestNewDialer_Direct(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		if c, err := ln.Accept(); err == nil {
			c.Close()
		}
	}()

	d, err := NewDialer("", time.Second)
	require.NoError(t, err)
	conn, err := Dial(context.Background(), d, ln.Addr().String(), v114.NewCodec(protocol.Client), time.Second, time.Second)
	require.NoError(t, err)
	assert.Equal(t, ln.Addr().String(), conn.RemoteAddr())
	assert.NoError(t, conn.Close())
}

func TestNewDialer_InvalidProxy(t *testing.T) {
	_, err := NewDialer("http://proxy:8080", time.Second)
	assert.Error(t, err, "only socks5 proxies are supported")
}

func TestDial_RefusedWrapsAddress(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	d, err := NewDialer("", time.Second)
	require.NoError(t, err)
	_, err = Dial(context.Background(), d, addr, v114.NewCodec(protocol.Client), time.Second, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), addr)
}

// fakeSOCKS5 accepts one no-auth CONNECT and reports the requested port.
func fakeSOCKS5(t *testing.T) (addr string, port <-chan uint16) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	ch := make(chan uint16, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()

		greeting := make([]byte, 3) // ver, nmethods=1, no-auth
		if _, err := io.ReadFull(c, greeting); err != nil {
			return
		}
		_, _ = c.Write([]byte{0x05, 0x00})

		head := make([]byte, 4) // ver, cmd, rsv, atyp
		if _, err := io.ReadFull(c, head); err != nil {
			return
		}
		switch head[3] {
		case 0x01:
			_, _ = io.ReadFull(c, make([]byte, 4))
		case 0x03:
			l := make([]byte, 1)
			_, _ = io.ReadFull(c, l)
			_, _ = io.ReadFull(c, make([]byte, l[0]))
		}
		p := make([]byte, 2)
		if _, err := io.ReadFull(c, p); err != nil {
			return
		}
		ch <- uint16(p[0])<<8 | uint16(p[1])
		_, _ = c.Write([]byte{0x05, 0x00, 0x00, 0x01, 127, 0, 0, 1, 0, 0})
		_, _ = io.Copy(io.Discard, c)
	}()
	return ln.Addr().String(), ch
}

func TestNewDialer_SOCKS5(t *testing.T) {
	addr, port := fakeSOCKS5(t)

	d, err := NewDialer(addr, time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := d.DialContext(ctx, "tcp", "example.invalid:25565")
	require.NoError(t, err)
	defer conn.Close()

	select {
	case p := <-port:
		assert.Equal(t, uint16(25565), p)
	case <-ctx.Done():
		t.Fatal("proxy never saw CONNECT")
	}
}
