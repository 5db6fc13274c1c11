package bootstrap

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	nexio "github.com/nexio-project/nexio"
	"github.com/nexio-project/nexio/channel"
	"github.com/nexio-project/nexio/loop"
	"github.com/nexio-project/nexio/tlsconfig"
)

// echoHandler is appended as the user-facing slot on the server side: it
// bounces every byte it reads straight back.
type echoHandler struct {
	channel.BaseHandler
}

func (h *echoHandler) ProcessRead(msg *channel.Message) {
	data := msg.Buffer
	msg.Release(nil)
	if len(data) == 0 {
		return
	}
	h.Slot.SendWrite(&channel.Message{Buffer: data, Type: channel.ApplicationData})
}
func (h *echoHandler) ProcessWrite(msg *channel.Message) { h.Slot.SendWrite(msg) }

// captureHandler is appended as the user-facing slot on the client side:
// it records every byte it reads.
type captureHandler struct {
	channel.BaseHandler
	received chan []byte
}

func (h *captureHandler) ProcessRead(msg *channel.Message) {
	data := append([]byte(nil), msg.Buffer...)
	msg.Release(nil)
	h.received <- data
}
func (h *captureHandler) ProcessWrite(msg *channel.Message) { h.Slot.SendWrite(msg) }

func pickPort(t *testing.T) uint16 {
	t.Helper()
	return 20000 + uint16(time.Now().UnixNano()%10000)
}

func TestClientServerPlaintextEcho(t *testing.T) {
	group, err := loop.NewGroup(2, loop.RoundRobin, loop.Options{})
	require.NoError(t, err)
	defer group.Shutdown()

	port := pickPort(t)
	server := NewServerBootstrap(group)

	lst, err := server.NewSocketListener(ServerSocketListenerOptions{
		Host: "127.0.0.1",
		Port: port,
		IncomingCallback: func(ch *channel.Channel, code nexio.Code) {
			if code != nexio.CodeSuccess {
				return
			}
			ch.AppendHandler(&echoHandler{})
		},
	})
	require.NoError(t, err)
	defer lst.Destroy()
	time.Sleep(20 * time.Millisecond) // let the accept subscription land

	client := NewClientBootstrap(group, nil)
	received := make(chan []byte, 1)
	setup := make(chan nexio.Code, 1)
	var clientCh *channel.Channel

	client.NewSocketChannel(context.Background(), ClientSocketChannelOptions{
		Host: "127.0.0.1",
		Port: port,
		CreationCallback: func(c *channel.Channel) {
			clientCh = c
			c.AppendHandler(&captureHandler{received: received})
		},
		SetupCallback: func(c *channel.Channel, code nexio.Code) {
			setup <- code
			if code == nexio.CodeSuccess {
				c.LastSlot().Handler().(*captureHandler).ProcessWrite(&channel.Message{
					Buffer: []byte("ping"), Type: channel.ApplicationData,
				})
			}
		},
	})

	select {
	case code := <-setup:
		require.Equal(t, nexio.CodeSuccess, code)
	case <-time.After(2 * time.Second):
		t.Fatal("client setup never completed")
	}

	select {
	case data := <-received:
		require.Equal(t, "ping", string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("echo never arrived")
	}

	if clientCh != nil {
		clientCh.Shutdown(nexio.CodeSuccess)
	}
}

func selfSignedServerConfig(t *testing.T) (certPath, keyPath string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  nil,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	require.NoError(t, err)
	dir := t.TempDir()
	certPath = dir + "/server.crt"
	keyPath = dir + "/server.key"
	writePEM(t, certPath, "CERTIFICATE", der)
	keyBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	writePEM(t, keyPath, "PRIVATE KEY", keyBytes)
	return certPath, keyPath
}

func writePEM(t *testing.T, path, blockType string, der []byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}))
}

func TestClientServerTLSHandshakeAndEcho(t *testing.T) {
	certPath, keyPath := selfSignedServerConfig(t)

	group, err := loop.NewGroup(2, loop.RoundRobin, loop.Options{})
	require.NoError(t, err)
	defer group.Shutdown()

	port := pickPort(t)
	server := NewServerBootstrap(group)
	lst, err := server.NewSocketListener(ServerSocketListenerOptions{
		Host: "127.0.0.1",
		Port: port,
		TLS: &tlsconfig.Options{
			ServerCertPath: certPath,
			ServerKeyPath:  keyPath,
			MinimumVersion: tlsconfig.TLSv1_2,
		},
		IncomingCallback: func(ch *channel.Channel, code nexio.Code) {
			if code != nexio.CodeSuccess {
				return
			}
			ch.AppendHandler(&echoHandler{})
		},
	})
	require.NoError(t, err)
	defer lst.Destroy()
	time.Sleep(20 * time.Millisecond)

	client := NewClientBootstrap(group, nil)
	received := make(chan []byte, 1)
	setup := make(chan nexio.Code, 1)
	var clientCh *channel.Channel

	client.NewSocketChannel(context.Background(), ClientSocketChannelOptions{
		Host: "127.0.0.1",
		Port: port,
		TLS: &tlsconfig.Options{
			ServerName:     "127.0.0.1",
			VerifyPeer:     false, // self-signed cert in this test
			MinimumVersion: tlsconfig.TLSv1_2,
		},
		CreationCallback: func(c *channel.Channel) {
			clientCh = c
			c.AppendHandler(&captureHandler{received: received})
		},
		SetupCallback: func(c *channel.Channel, code nexio.Code) {
			setup <- code
			if code == nexio.CodeSuccess {
				c.LastSlot().Handler().(*captureHandler).ProcessWrite(&channel.Message{
					Buffer: []byte("secure-ping"), Type: channel.ApplicationData,
				})
			}
		},
	})

	select {
	case code := <-setup:
		require.Equal(t, nexio.CodeSuccess, code)
	case <-time.After(3 * time.Second):
		t.Fatal("TLS setup never completed")
	}

	select {
	case data := <-received:
		require.Equal(t, "secure-ping", string(data))
	case <-time.After(3 * time.Second):
		t.Fatal("echo never arrived over TLS")
	}

	if clientCh != nil {
		clientCh.Shutdown(nexio.CodeSuccess)
	}
}
