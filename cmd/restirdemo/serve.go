package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/restir"
	"github.com/gogpu/restir/internal/config"
)

func newServeCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Render continuously and expose /metrics and /ws",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return serve(ctx, c, interval)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 50*time.Millisecond, "time between frames")
	return cmd
}

// frameMessage is one frame's statistics as streamed on /ws.
type frameMessage struct {
	Frame     uint32              `json:"frame"`
	Options   restir.Options      `json:"options"`
	Instances []restir.FrameStats `json:"instances"`
}

// hub fans frame messages out to websocket clients.
type hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]struct{})}
}

func (h *hub) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		restir.Logger().Warn("restirdemo: websocket upgrade", "error", err)
		return
	}
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	// Drain reads so close frames are processed.
	go func() {
		defer h.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	_ = conn.Close()
}

func (h *hub) broadcast(msg frameMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		if err := conn.WriteJSON(msg); err != nil {
			delete(h.clients, conn)
			_ = conn.Close()
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		_ = conn.Close()
	}
	clear(h.clients)
}

func serve(ctx context.Context, c config.Config, interval time.Duration) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	w, h := c.Demo.Width, c.Demo.Height
	room := newRoom(w, h)
	pass, err := restir.NewPass(room.scene, c.Options(),
		append(c.PassOptions(), restir.WithMetrics(reg))...)
	if err != nil {
		return err
	}
	defer pass.Close()

	if configPath != "" {
		err := config.Watch(ctx, configPath,
			func(nc config.Config) {
				change, err := pass.SetOptions(nc.Options())
				if err != nil {
					restir.Logger().Warn("restirdemo: rejected options", "error", err)
					return
				}
				restir.Logger().Info("restirdemo: options reloaded", "change", change.String())
			},
			func(err error) { restir.Logger().Warn("restirdemo: config reload", "error", err) },
		)
		if err != nil {
			return err
		}
	}

	hb := newHub()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/ws", hb.handle)
	srv := &http.Server{Addr: c.Demo.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		restir.Logger().Info("restirdemo: listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		hb.closeAll()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		return renderLoop(gctx, pass, room, w, h, interval, hb)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func renderLoop(ctx context.Context, pass *restir.Pass, room *room, w, h uint32, interval time.Duration, hb *hub) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for frame := uint64(0); ; frame++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := pass.Execute(ctx, room.trace(w, h, frame)); err != nil {
			return err
		}
		if pass.OptionsChanged() {
			restir.Logger().Debug("restirdemo: frame after options change", "frame", frame)
		}
		hb.broadcast(frameMessage{
			Frame:     pass.FrameCount(),
			Options:   pass.Options(),
			Instances: pass.Stats(),
		})
	}
}
