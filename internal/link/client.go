package link

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"locsrc-svr/internal/observability"
	"locsrc-svr/internal/pipeline"
)

var ErrNotConnected = errors.New("link: not connected")

// Command es una linea de control que llega del proxy.
type Command struct {
	ID       string `json:"id,omitempty"`
	DeviceID string `json:"device_id"`
	Cmd      string `json:"cmd"`
	Source   string `json:"source,omitempty"`
	Supl     string `json:"supl,omitempty"`
}

// CommandResult se devuelve al proxy por cada Command.
type CommandResult struct {
	CommandResult bool   `json:"command_result"`
	ID            string `json:"id,omitempty"`
	DeviceID      string `json:"device_id"`
	Cmd           string `json:"cmd"`
	OK            bool   `json:"ok"`
	Result        string `json:"result,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Handler ejecuta los comandos entrantes.
type Handler interface {
	Handle(ctx context.Context, cmd Command) CommandResult
}

type HandlerFunc func(ctx context.Context, cmd Command) CommandResult

func (f HandlerFunc) Handle(ctx context.Context, cmd Command) CommandResult { return f(ctx, cmd) }

// Client es el cliente TCP hacia socket-tcp-proxy. Un *Client nil o sin
// direccion deja el link deshabilitado.
type Client struct {
	addr    string
	log     *slog.Logger
	handler Handler

	RetryDelay time.Duration

	mu      sync.Mutex
	conn    net.Conn
	writeMu sync.Mutex

	wg sync.WaitGroup
}

func New(addr string, lg *slog.Logger, h Handler) *Client {
	return &Client{
		addr:       addr,
		log:        lg.With("component", "link"),
		handler:    h,
		RetryDelay: 2 * time.Second,
	}
}

func (c *Client) Enabled() bool { return c != nil && c.addr != "" }

// SetHandler se usa cuando el dispatcher se crea despues del link.
func (c *Client) SetHandler(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// -------------------------------------------------------------------
//                        LOOP DE CONEXIÓN
// -------------------------------------------------------------------

// Run conecta y reconecta hasta que ctx termina.
func (c *Client) Run(ctx context.Context) error {
	if !c.Enabled() {
		if c != nil {
			c.log.Info("link: disabled (no proxy address configured)")
		}
		<-ctx.Done()
		return nil
	}
	defer c.wg.Wait()

	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", c.addr)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error("link: dial failed", "addr", c.addr, "err", err)
			if !sleep(ctx, c.RetryDelay) {
				return nil
			}
			continue
		}

		c.setConn(conn)
		c.log.Info("link: connected", "remote", conn.RemoteAddr().String())

		stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
		// leer en este hilo hasta que se caiga
		c.readLoop(ctx, conn)
		stop()

		c.clearConn(conn)
		if ctx.Err() != nil {
			return nil
		}
		c.log.Warn("link: connection closed, reconnecting...")
		if !sleep(ctx, c.RetryDelay) {
			return nil
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Client) setConn(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

func (c *Client) clearConn(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// -------------------------------------------------------------------
//                           LECTURA
// -------------------------------------------------------------------

func (c *Client) readLoop(ctx context.Context, conn net.Conn) {
	r := bufio.NewScanner(conn)
	for r.Scan() {
		c.handleIncomingLine(ctx, r.Bytes())
	}
	if err := r.Err(); err != nil && ctx.Err() == nil {
		c.log.Warn("link: read error", "err", err)
	}
}

func (c *Client) handleIncomingLine(ctx context.Context, line []byte) {
	var cmd Command
	if err := json.Unmarshal(line, &cmd); err != nil || cmd.Cmd == "" {
		c.log.Warn("link: ignoring incoming line", "line", string(line), "err", err)
		return
	}
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		c.log.Warn("link: no command handler", "cmd", cmd.Cmd)
		return
	}

	// cada comando puede tardar varios intercambios con el dispositivo
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		res := h.Handle(ctx, cmd)
		res.CommandResult = true
		res.ID = cmd.ID
		res.DeviceID = cmd.DeviceID
		res.Cmd = cmd.Cmd
		if err := c.sendNDJSON(res); err != nil {
			c.log.Warn("link: send command_result failed", "device", cmd.DeviceID, "err", err)
		}
	}()
}

// -------------------------------------------------------------------
//                          ENVÍO NDJSON
// -------------------------------------------------------------------

func (c *Client) sendNDJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := conn.Write(append(b, '\n')); err != nil {
		observability.UplinkErrors.Inc()
		return fmt.Errorf("link: write: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------
//          PAYLOADS DE ALTO NIVEL HACIA EL PROXY (NDJSON)
// -------------------------------------------------------------------

type deviceEventPayload struct {
	DeviceConnect    bool     `json:"device_connect,omitempty"`
	DeviceDisconnect bool     `json:"device_disconnect,omitempty"`
	DeviceID         string   `json:"device_id"`
	Capabilities     []string `json:"capabilities,omitempty"`
	Sources          []string `json:"sources,omitempty"`
	RemoteIP         string   `json:"remote_ip,omitempty"`
	RemotePort       int      `json:"remote_port,omitempty"`
	Reason           string   `json:"reason,omitempty"`
}

// sources_update lleva siempre la lista, aunque este vacia.
type sourcesUpdatePayload struct {
	SourcesUpdate bool     `json:"sources_update"`
	DeviceID      string   `json:"device_id"`
	Sources       []string `json:"sources"`
}

// SendDevice manda el evento indicado por info.State.
func (c *Client) SendDevice(info DeviceInfo) {
	if !c.Enabled() {
		return
	}
	var pl any
	ev := deviceEventPayload{
		DeviceID:   info.ID,
		RemoteIP:   info.RemoteIP,
		RemotePort: info.RemotePort,
	}
	switch info.State {
	case DeviceStateConnect:
		ev.DeviceConnect = true
		ev.Capabilities = info.Capabilities
		ev.Sources = info.Sources
		pl = ev
	case DeviceStateDisconnect:
		ev.DeviceDisconnect = true
		ev.Reason = info.Reason
		pl = ev
	case DeviceStateSources:
		up := sourcesUpdatePayload{SourcesUpdate: true, DeviceID: info.ID, Sources: info.Sources}
		if up.Sources == nil {
			up.Sources = []string{}
		}
		pl = up
	default:
		return
	}
	if err := c.sendNDJSON(pl); err != nil {
		c.log.Warn("link: send "+info.State.String()+" failed", "device", info.ID, "err", err)
	}
}

// SendDeviceConnect se llama tras el hello del dispositivo.
func (c *Client) SendDeviceConnect(info DeviceInfo) {
	info.State = DeviceStateConnect
	c.SendDevice(info)
}

func (c *Client) SendDeviceDisconnect(id, reason string) {
	c.SendDevice(DeviceInfo{ID: id, Reason: reason, State: DeviceStateDisconnect})
}

func (c *Client) SendSourcesUpdate(id string, sources []string) {
	c.SendDevice(DeviceInfo{ID: id, Sources: sources, State: DeviceStateSources})
}

// SendPosition envía el reporte como NDJSON (formato PositionReport).
func (c *Client) SendPosition(pr *pipeline.PositionReport) {
	if !c.Enabled() || pr == nil {
		return
	}
	if err := c.sendNDJSON(pr); err != nil {
		c.log.Warn("link: send position failed", "device", pr.DeviceID, "err", err)
	}
}
