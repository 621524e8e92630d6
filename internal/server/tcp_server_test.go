package server

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"locsrc-svr/internal/codec"
	"locsrc-svr/internal/devsim"
	"locsrc-svr/internal/location"
	"locsrc-svr/internal/pds"
	"locsrc-svr/internal/supl"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const gga = "$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47"

type fakeForwarder struct {
	got chan [2]string
}

func (f *fakeForwarder) SendData(_ context.Context, deviceID, payload string) error {
	f.got <- [2]string{deviceID, payload}
	return nil
}

type closedIDs struct {
	mu  sync.Mutex
	ids []string
}

func (c *closedIDs) add(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, id)
}

func (c *closedIDs) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

func startServer(t *testing.T, opts Options) (*TcpServer, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := New(opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return srv, ln.Addr().String()
}

// connectDevice dials addr and runs d until the test ends or the server hangs up.
func connectDevice(t *testing.T, addr string, d *devsim.Device) (net.Conn, <-chan struct{}) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx, conn)
	}()
	t.Cleanup(func() {
		cancel()
		_ = conn.Close()
		<-done
	})
	return conn, done
}

func TestSession_ConfigureReportAndDisconnect(t *testing.T) {
	fwd := &fakeForwarder{got: make(chan [2]string, 4)}
	closed := &closedIDs{}
	srv, addr := startServer(t, Options{
		Forwarder:  fwd,
		AutoEnable: location.SourceGPSNMEA | location.SourceCellBS,
		SuplServer: "10.0.0.1:7275",
		OnClose:    closed.add,
	})

	d := devsim.New("dev1", pds.FlagPDS|pds.Flag3GPP)
	conn, _ := connectDevice(t, addr, d)

	require.Eventually(t, func() bool {
		return d.State().Server.IsNumeric()
	}, 2*time.Second, 10*time.Millisecond)
	mgr, ok := srv.Lookup("dev1")
	require.True(t, ok)
	assert.Equal(t, location.SourceGPSNMEA, mgr.Enabled(), "cdma-bs is not offered by this device")
	st := d.State()
	assert.True(t, st.GPS)
	assert.True(t, st.NMEAReporting)
	assert.Equal(t, "10.0.0.1:7275", supl.Render(st.Server))

	require.NoError(t, d.EmitNMEA(gga))
	select {
	case got := <-fwd.got:
		assert.Equal(t, "dev1", got[0])
		assert.Contains(t, got[1], `"sentence":"$GPGGA`)
		assert.Contains(t, got[1], `"sentence_type":"GGA"`)
	case <-time.After(2 * time.Second):
		t.Fatal("position was not forwarded")
	}

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return srv.Sessions() == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(closed.list()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"dev1"}, closed.list())
}

func TestHandshake_DropsFramesBeforeHello(t *testing.T) {
	_, addr := startServer(t, Options{})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))

	early := codec.EncodeIndication(pds.Indication{ID: pds.IndEventReport, NMEA: gga}).Frame()
	corrupt := codec.EncodeHello(codec.Hello{DeviceID: "bad", Flags: pds.FlagPDS}).Frame()
	corrupt[len(corrupt)-1] ^= 0xFF
	hello := codec.EncodeHello(codec.Hello{DeviceID: "dev9", Flags: pds.Flag3GPP}).Frame()

	for _, f := range [][]byte{early, corrupt, hello} {
		_, err := conn.Write(f)
		require.NoError(t, err)
	}

	payload, err := codec.ReadFrame(conn)
	require.NoError(t, err)
	pkt, err := codec.DecodePacket(payload)
	require.NoError(t, err)
	assert.Equal(t, codec.KindHelloAck, pkt.Kind)
}

func TestHandshake_Timeout(t *testing.T) {
	_, addr := startServer(t, Options{HandshakeTimeout: 50 * time.Millisecond})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))

	_, err = codec.ReadFrame(conn)
	assert.Error(t, err, "server hangs up on a silent peer")
}

func TestSession_ReconnectReplacesPrevious(t *testing.T) {
	closed := &closedIDs{}
	srv, addr := startServer(t, Options{OnClose: closed.add})

	first := devsim.New("dev1", pds.Flag3GPP)
	_, firstDone := connectDevice(t, addr, first)
	require.Eventually(t, func() bool { return srv.Sessions() == 1 }, 2*time.Second, 10*time.Millisecond)
	old, _ := srv.Lookup("dev1")

	second := devsim.New("dev1", pds.Flag3GPP)
	connectDevice(t, addr, second)
	require.Eventually(t, func() bool {
		cur, ok := srv.Lookup("dev1")
		return ok && cur != old
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case <-firstDone:
	case <-time.After(2 * time.Second):
		t.Fatal("previous connection was not closed")
	}
	assert.Equal(t, 1, srv.Sessions())
	assert.Empty(t, closed.list(), "the replaced session must not tear down the device")
}

func TestServe_StopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := New(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	d := devsim.New("dev1", pds.FlagPDS)
	_, devDone := connectDevice(t, ln.Addr().String(), d)
	require.Eventually(t, func() bool { return srv.Sessions() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	<-devDone
	assert.Equal(t, 0, srv.Sessions())
}
