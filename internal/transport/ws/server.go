package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"voxelstruct.ai/internal/buildcache"
	"voxelstruct.ai/internal/mcstructure"
	"voxelstruct.ai/internal/persistence/indexdb"
	"voxelstruct.ai/internal/persistence/r2s3"
	"voxelstruct.ai/internal/plan"
	"voxelstruct.ai/internal/protocol"
	"voxelstruct.ai/internal/structio"
)

type Config struct {
	// MaxVolume caps size.x*size.y*size.z of a requested plan.
	MaxVolume           int
	// MaxWork caps plan.Work, the cell writes a plan costs. Default
	// 16*MaxVolume.
	MaxWork             int64
	// MaxConcurrentBuilds is shared by all connections.
	MaxConcurrentBuilds int
	// MaxMessageBytes bounds one inbound frame.
	MaxMessageBytes     int64
	// BusyWait is how long a BUILD waits for a free build slot.
	BusyWait            time.Duration

	// OutDir, when set, keeps a copy of every document sent.
	OutDir string
	Index  indexdb.Index
	Mirror *r2s3.Mirror

	// Cache, when set, serves repeated plans without rebuilding them.
	Cache buildcache.Cache
}

type Server struct {
	cfg Config
	log *log.Logger

	upgrader websocket.Upgrader
	slots    chan struct{}

	sessions      atomic.Int64
	builtTotal    atomic.Uint64
	failedTotal   atomic.Uint64
	busyTotal     atomic.Uint64
	bytesOutTotal atomic.Uint64
	cacheHits     atomic.Uint64
	cacheMisses   atomic.Uint64
}

type Stats struct {
	Sessions      int64
	BuildSlots    int
	BuildsActive  int
	BuiltTotal    uint64
	FailedTotal   uint64
	BusyTotal     uint64
	BytesOutTotal uint64
	CacheHits     uint64
	CacheMisses   uint64
}

func (s *Server) Stats() Stats {
	return Stats{
		Sessions:      s.sessions.Load(),
		BuildSlots:    cap(s.slots),
		BuildsActive:  len(s.slots),
		BuiltTotal:    s.builtTotal.Load(),
		FailedTotal:   s.failedTotal.Load(),
		BusyTotal:     s.busyTotal.Load(),
		BytesOutTotal: s.bytesOutTotal.Load(),
		CacheHits:     s.cacheHits.Load(),
		CacheMisses:   s.cacheMisses.Load(),
	}
}

func NewServer(cfg Config, logger *log.Logger) *Server {
	if cfg.MaxVolume <= 0 {
		cfg.MaxVolume = 1 << 22
	}
	if cfg.MaxWork <= 0 {
		cfg.MaxWork = 16 * int64(cfg.MaxVolume)
	}
	if cfg.MaxConcurrentBuilds <= 0 {
		cfg.MaxConcurrentBuilds = 4
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 4 << 20
	}
	if cfg.BusyWait <= 0 {
		cfg.BusyWait = 2 * time.Second
	}
	return &Server{
		cfg: cfg,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		slots: make(chan struct{}, cfg.MaxConcurrentBuilds),
	}
}

type frame struct {
	kind int
	data []byte
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetReadLimit(s.cfg.MaxMessageBytes)

		sessionID := s.handshake(conn)
		if sessionID == "" {
			return
		}
		s.sessions.Add(1)
		defer s.sessions.Add(-1)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		out := make(chan frame, 8)
		done := make(chan struct{})

		// Writer goroutine.
		go func() {
			defer close(done)
			for {
				select {
				case <-ctx.Done():
					return
				case f := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
					if err := conn.WriteMessage(f.kind, f.data); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		send := func(fs ...frame) bool {
			for _, f := range fs {
				select {
				case out <- f:
				case <-ctx.Done():
					return false
				}
			}
			return true
		}

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
			kind, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if !send(s.handle(ctx, sessionID, kind, msg)...) {
				break
			}
		}
		cancel()
		<-done
	}
}

func (s *Server) handshake(conn *websocket.Conn) string {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return ""
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return ""
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return ""
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return ""
	}

	sessionID := uuid.NewString()
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sessionID,
		Limits: protocol.ServerLimits{
			MaxVolume:    s.cfg.MaxVolume,
			Compressions: []string{string(structio.None), string(structio.Gzip), string(structio.Zstd)},
		},
	}
	if err := writeJSON(conn, welcome); err != nil {
		return ""
	}
	s.printf("session %s opened client=%q", sessionID, hello.ClientName)
	return sessionID
}

// handle answers one inbound frame with the frames to send back.
func (s *Server) handle(ctx context.Context, sessionID string, kind int, msg []byte) []frame {
	if kind != websocket.TextMessage {
		return errorFrames("", protocol.ErrProtoBadRequest, "expected a text frame")
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return errorFrames("", protocol.ErrProtoBadRequest, "malformed json")
	}
	if base.Type != protocol.TypeBuild {
		return errorFrames("", protocol.ErrProtoBadRequest, fmt.Sprintf("unexpected message type %q", base.Type))
	}
	var req protocol.BuildMsg
	if err := json.Unmarshal(msg, &req); err != nil {
		return errorFrames("", protocol.ErrProtoBadRequest, "malformed BUILD")
	}
	if req.ProtocolVersion != protocol.Version {
		return errorFrames(req.ReqID, protocol.ErrProtoVersion, fmt.Sprintf("protocol_version %q, server speaks %q", req.ProtocolVersion, protocol.Version))
	}
	if req.ReqID == "" {
		return errorFrames("", protocol.ErrProtoBadRequest, "missing req_id")
	}

	timer := time.NewTimer(s.cfg.BusyWait)
	select {
	case s.slots <- struct{}{}:
		timer.Stop()
	case <-timer.C:
		s.busyTotal.Add(1)
		return errorFrames(req.ReqID, protocol.ErrBusy, "all build slots are in use")
	case <-ctx.Done():
		timer.Stop()
		return nil
	}
	defer func() { <-s.slots }()

	started := time.Now()
	built, doc, code, err := s.build(ctx, req)
	if err != nil {
		s.failedTotal.Add(1)
		s.printf("session %s req %s failed code=%s err=%v", sessionID, req.ReqID, code, err)
		return errorFrames(req.ReqID, code, err.Error())
	}
	s.printf("session %s req %s built export=%s bytes=%d frame=%d in %s", sessionID, req.ReqID, built.ExportID, built.Bytes, built.FrameBytes, time.Since(started).Round(time.Millisecond))
	s.builtTotal.Add(1)
	s.bytesOutTotal.Add(uint64(len(doc)))
	head, _ := json.Marshal(built)
	return []frame{{kind: websocket.TextMessage, data: head}, {kind: websocket.BinaryMessage, data: doc}}
}

func (s *Server) build(ctx context.Context, req protocol.BuildMsg) (protocol.BuiltMsg, []byte, string, error) {
	comp, err := structio.ParseCompression(req.Compression)
	if err != nil {
		return protocol.BuiltMsg{}, nil, protocol.ErrProtoBadRequest, err
	}
	p, err := plan.Parse(req.Plan)
	if err != nil {
		return protocol.BuiltMsg{}, nil, protocol.ErrBadPlan, err
	}
	vol, err := mcstructure.CheckSize(p.Size)
	if err != nil {
		return protocol.BuiltMsg{}, nil, protocol.ErrTooLarge, err
	}
	if vol > s.cfg.MaxVolume {
		return protocol.BuiltMsg{}, nil, protocol.ErrTooLarge, fmt.Errorf("volume %d exceeds %d", vol, s.cfg.MaxVolume)
	}
	if work := p.Work(); work > s.cfg.MaxWork {
		return protocol.BuiltMsg{}, nil, protocol.ErrTooLarge, fmt.Errorf("plan writes %d cells, limit %d", work, s.cfg.MaxWork)
	}

	digest := p.Digest()
	entry, cached := s.cacheGet(ctx, digest)
	if !cached {
		st, err := p.BuildContext(ctx)
		if err != nil {
			return protocol.BuiltMsg{}, nil, codeFor(err), err
		}
		data, err := st.Export()
		if err != nil {
			return protocol.BuiltMsg{}, nil, codeFor(err), err
		}
		entry = buildcache.Entry{Size: st.Size(), PaletteLen: st.PaletteLen(), Document: data}
		s.cachePut(ctx, digest, entry)
	}
	payload, err := structio.Compress(entry.Document, comp)
	if err != nil {
		return protocol.BuiltMsg{}, nil, protocol.ErrInternal, err
	}

	name := req.Name
	if name == "" {
		name = p.Name
	}
	exp := indexdb.NewExportInfo(name, entry.Size, entry.PaletteLen, entry.Document, string(comp))
	if s.cfg.OutDir != "" {
		path := filepath.Join(s.cfg.OutDir, exp.ID+comp.Ext())
		if err := structio.WriteFile(path, payload, structio.None); err != nil {
			return protocol.BuiltMsg{}, nil, protocol.ErrInternal, fmt.Errorf("keep export: %w", err)
		}
		exp.Path = path
		if s.cfg.Mirror != nil {
			if key, err := s.cfg.Mirror.ObjectKey(path); err == nil {
				exp.RemoteKey = key
				s.cfg.Mirror.Enqueue(path)
			}
		}
	}
	if s.cfg.Index != nil {
		s.cfg.Index.RecordExport(exp)
	}

	return protocol.BuiltMsg{
		Type:            protocol.TypeBuilt,
		ProtocolVersion: protocol.Version,
		ReqID:           req.ReqID,
		ExportID:        exp.ID,
		Size:            [3]int{entry.Size.X, entry.Size.Y, entry.Size.Z},
		PaletteLen:      exp.PaletteLen,
		Bytes:           exp.Bytes,
		FrameBytes:      len(payload),
		Compression:     string(comp),
		SHA256:          exp.SHA256,
		RemoteKey:       exp.RemoteKey,
		Cached:          cached,
	}, payload, "", nil
}

// cacheGet treats cache failures as misses.
func (s *Server) cacheGet(ctx context.Context, digest string) (buildcache.Entry, bool) {
	if s.cfg.Cache == nil {
		return buildcache.Entry{}, false
	}
	e, ok, err := s.cfg.Cache.Get(ctx, digest)
	if err != nil {
		s.printf("build cache get %s: %v", digest, err)
	}
	if !ok || err != nil {
		s.cacheMisses.Add(1)
		return buildcache.Entry{}, false
	}
	s.cacheHits.Add(1)
	return e, true
}

func (s *Server) cachePut(ctx context.Context, digest string, e buildcache.Entry) {
	if s.cfg.Cache == nil {
		return
	}
	if err := s.cfg.Cache.Put(ctx, digest, e); err != nil {
		s.printf("build cache put %s: %v", digest, err)
	}
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, mcstructure.ErrBounds):
		return protocol.ErrOutOfBounds
	case errors.Is(err, mcstructure.ErrValidation), errors.Is(err, mcstructure.ErrStaleHandle):
		return protocol.ErrValidation
	case errors.Is(err, mcstructure.ErrConstruction), errors.Is(err, plan.ErrInvalid):
		return protocol.ErrBadPlan
	default:
		return protocol.ErrInternal
	}
}

func errorFrames(reqID, code, message string) []frame {
	b, _ := json.Marshal(protocol.NewError(reqID, code, message))
	return []frame{{kind: websocket.TextMessage, data: b}}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (s *Server) printf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}
