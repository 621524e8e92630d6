package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"locsrc-svr/internal/channel"
	"locsrc-svr/internal/codec"
	"locsrc-svr/internal/link"
	"locsrc-svr/internal/location"
	"locsrc-svr/internal/observability"
	"locsrc-svr/internal/pipeline"
	"locsrc-svr/internal/store"
	"locsrc-svr/internal/utilities"
)

// Forwarder receives every position report (grpcclient.GRPCClient).
type Forwarder interface {
	SendData(ctx context.Context, deviceID, payload string) error
}

type Options struct {
	Logger    *slog.Logger
	Uplink    *link.Client
	Forwarder Forwarder
	Store     *store.Store

	// AutoEnable se habilita en cada sesion, recortado a sus capacidades.
	AutoEnable location.Source
	SuplServer string

	TraceFrames bool
	TraceDir    string

	HandshakeTimeout time.Duration
	// ExchangeTimeout, si no es cero, reemplaza los timeouts por mensaje.
	ExchangeTimeout  time.Duration
	ReportQueue      int

	// OnClose runs after a device session is torn down.
	OnClose func(deviceID string)
}

type TcpServer struct {
	opts Options
	log  *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	reports chan location.Report
	wg      sync.WaitGroup
}

// Session es un dispositivo conectado.
type Session struct {
	ID     string
	Remote string

	conn net.Conn
	ch   *channel.Channel
	mgr  *location.Manager
}

func New(opts Options) *TcpServer {
	if opts.Logger == nil {
		opts.Logger = observability.Discard()
	}
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = 30 * time.Second
	}
	if opts.ReportQueue == 0 {
		opts.ReportQueue = 256
	}
	if opts.TraceDir == "" {
		opts.TraceDir = "logs"
	}
	return &TcpServer{
		opts:     opts,
		log:      opts.Logger.With("component", "server"),
		sessions: make(map[string]*Session),
		reports:  make(chan location.Report, opts.ReportQueue),
	}
}

func (srv *TcpServer) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("error starting TCP server: %w", err)
	}
	return srv.Serve(ctx, listener)
}

// Serve acepta conexiones hasta que ctx termina y espera a que todas las
// sesiones se cierren.
func (srv *TcpServer) Serve(ctx context.Context, listener net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv.log.Info("TCP Server listening", "addr", listener.Addr().String())

	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()
		srv.reportWorker(ctx)
	}()
	stop := context.AfterFunc(ctx, func() { _ = listener.Close() })
	defer stop()

	var serveErr error
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				serveErr = err
				break
			}
			srv.log.Error("accept error", "err", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		srv.wg.Add(1)
		go func(c net.Conn) {
			defer srv.wg.Done()
			srv.HandleConnection(ctx, c)
		}(conn)
	}

	cancel()
	srv.wg.Wait()
	return serveErr
}

// Lookup devuelve el manager de un dispositivo conectado.
func (srv *TcpServer) Lookup(id string) (*location.Manager, bool) {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	sess, ok := srv.sessions[id]
	if !ok {
		return nil, false
	}
	return sess.mgr, true
}

func (srv *TcpServer) Sessions() int {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	return len(srv.sessions)
}

func (srv *TcpServer) register(sess *Session) *Session {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	old := srv.sessions[sess.ID]
	srv.sessions[sess.ID] = sess
	return old
}

// unregister reports whether sess was still the current session for its id.
func (srv *TcpServer) unregister(sess *Session) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.sessions[sess.ID] != sess {
		return false
	}
	delete(srv.sessions, sess.ID)
	return true
}

// -------------------------------------------------------------------
//                           CONEXIÓN
// -------------------------------------------------------------------

func (srv *TcpServer) HandleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	observability.TCPConnections.Inc()
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetLinger(0)
		_ = tcpConn.SetNoDelay(false)
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetKeepAlivePeriod(60 * time.Second)
	}
	remote := conn.RemoteAddr().String()

	hello, err := srv.handshake(conn)
	if err != nil {
		if ctx.Err() == nil {
			srv.log.Warn("handshake failed", "remote", remote, "err", err)
		}
		return
	}
	observability.HandshakeOK.Inc()
	srv.log.Info("device connected", "device", hello.DeviceID, "remote", remote, "flags", uint8(hello.Flags))
	if srv.opts.TraceFrames {
		utilities.CreateLog(srv.opts.TraceDir, "HANDSHAKES", remote+" "+hello.DeviceID)
	}

	sess := srv.newSession(conn, remote, hello)
	if old := srv.register(sess); old != nil {
		srv.log.Warn("replacing previous session", "device", sess.ID, "old_remote", old.Remote)
		_ = old.ch.Close()
	}
	observability.ActiveSessions.Inc()

	caps := sess.mgr.Capabilities()
	srv.opts.Uplink.SendDeviceConnect(link.DeviceInfo{
		ID:           sess.ID,
		Capabilities: caps.Names(),
		RemoteIP:     hostOf(conn.RemoteAddr()),
		RemotePort:   portOf(conn.RemoteAddr()),
	})
	srv.opts.Store.SaveDevice(ctx, sess.ID, remote, caps.Names())

	srv.configure(ctx, sess)

	select {
	case <-sess.ch.Done():
	case <-ctx.Done():
	}
	srv.teardown(sess)
}

// handshake descarta todo lo que llegue antes del hello y responde el ack.
func (srv *TcpServer) handshake(conn net.Conn) (codec.Hello, error) {
	_ = conn.SetReadDeadline(time.Now().Add(srv.opts.HandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	for {
		payload, err := codec.ReadFrame(conn)
		if err != nil {
			if errors.Is(err, codec.ErrBadCRC) {
				observability.FrameErrors.Inc()
				continue
			}
			return codec.Hello{}, err
		}
		pkt, err := codec.DecodePacket(payload)
		if err != nil {
			observability.FrameErrors.Inc()
			continue
		}
		if pkt.Kind != codec.KindHello {
			srv.log.Warn("packet received before hello", "kind", pkt.Kind.String(), "remote", conn.RemoteAddr().String())
			continue
		}
		hello, err := codec.DecodeHello(pkt)
		if err != nil {
			srv.log.Warn("bad hello", "remote", conn.RemoteAddr().String(), "err", err)
			continue
		}
		if _, err := conn.Write(codec.HelloAck().Frame()); err != nil {
			return codec.Hello{}, fmt.Errorf("write hello ack: %w", err)
		}
		return hello, nil
	}
}

func (srv *TcpServer) newSession(conn net.Conn, remote string, hello codec.Hello) *Session {
	lg := srv.opts.Logger.With("device", hello.DeviceID)
	opts := []channel.Option{channel.WithLogger(lg.With("component", "channel"))}
	if srv.opts.ExchangeTimeout > 0 {
		opts = append(opts, channel.WithTimeout(srv.opts.ExchangeTimeout))
	}
	if srv.opts.TraceFrames {
		opts = append(opts, channel.WithTrace(utilities.FrameTracer(srv.opts.TraceDir, hello.DeviceID)))
	}
	ch := channel.New(conn, opts...)

	id := hello.DeviceID
	mgr := location.NewManager(location.Config{
		Channel:  ch,
		Device:   location.DeviceInfo{ID: id, Flags: hello.Flags},
		OnReport: srv.enqueue,
		OnChange: func(enabled location.Source) {
			srv.opts.Uplink.SendSourcesUpdate(id, enabled.Names())
			srv.opts.Store.SaveSources(context.Background(), id, enabled.Names())
		},
		Logger: lg,
	})
	return &Session{ID: id, Remote: remote, conn: conn, ch: ch, mgr: mgr}
}

// configure habilita las fuentes por defecto y el servidor SUPL.
func (srv *TcpServer) configure(ctx context.Context, sess *Session) {
	caps := sess.mgr.Capabilities()
	want := srv.opts.AutoEnable & caps
	if skipped := srv.opts.AutoEnable &^ caps; skipped != 0 {
		srv.log.Info("device lacks configured sources", "device", sess.ID, "skipped", skipped.String())
	}
	for bit := location.Source(1); bit != 0 && bit <= want; bit <<= 1 {
		if want&bit == 0 {
			continue
		}
		if err := sess.mgr.Enable(ctx, bit); err != nil {
			srv.log.Warn("auto-enable failed", "device", sess.ID, "source", bit.String(), "err", err)
		}
	}

	if srv.opts.SuplServer != "" && caps.Has(location.SourceAGPS) {
		if err := sess.mgr.SetSuplServer(ctx, srv.opts.SuplServer); err != nil {
			srv.log.Warn("SUPL server setup failed", "device", sess.ID, "err", err)
			return
		}
		srv.opts.Store.SaveSupl(ctx, sess.ID, srv.opts.SuplServer)
	}
}

func (srv *TcpServer) teardown(sess *Session) {
	sess.mgr.Close()
	_ = sess.ch.Close()
	observability.ActiveSessions.Dec()

	if !srv.unregister(sess) {
		// otra conexion del mismo dispositivo ya tomo el relevo
		return
	}
	reason := "closed"
	if err := sess.ch.Err(); err != nil {
		reason = err.Error()
	}
	srv.log.Info("device disconnected", "device", sess.ID, "reason", reason)
	srv.opts.Uplink.SendDeviceDisconnect(sess.ID, reason)
	srv.opts.Store.ClearDevice(context.Background(), sess.ID)
	if srv.opts.OnClose != nil {
		srv.opts.OnClose(sess.ID)
	}
}

// -------------------------------------------------------------------
//                           REPORTES
// -------------------------------------------------------------------

// enqueue runs on a channel reader goroutine and never blocks.
func (srv *TcpServer) enqueue(r location.Report) {
	select {
	case srv.reports <- r:
	default:
		observability.ReportsDropped.Inc()
	}
}

func (srv *TcpServer) reportWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-srv.reports:
			srv.forward(ctx, r)
		}
	}
}

func (srv *TcpServer) forward(ctx context.Context, r location.Report) {
	pr := pipeline.Build(r)
	srv.opts.Uplink.SendPosition(pr)

	if srv.opts.Forwarder == nil {
		return
	}
	payload, err := pipeline.ToGRPC(pr)
	if err != nil {
		srv.log.Error("position marshal failed", "device", r.DeviceID, "err", err)
		return
	}
	if err := srv.opts.Forwarder.SendData(ctx, r.DeviceID, payload); err != nil {
		observability.ForwardErrors.Inc()
		srv.log.Warn("forwarder send failed", "device", r.DeviceID, "err", err)
	}
}

func hostOf(a net.Addr) string {
	if tcp, ok := a.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	return a.String()
}

func portOf(a net.Addr) int {
	if tcp, ok := a.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}
