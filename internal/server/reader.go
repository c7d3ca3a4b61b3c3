package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-sonic-server/internal/hub"
	"github.com/kstaniek/go-sonic-server/internal/metrics"
	"github.com/kstaniek/go-sonic-server/internal/sonic"
	"github.com/kstaniek/go-sonic-server/internal/transport"
	"github.com/kstaniek/go-sonic-server/internal/wire"
)

// Reasons carried by error frames sent back to a client.
const (
	ReasonUnknownSymbol = "unknown symbol"
	ReasonBusy          = "busy"
	ReasonBackend       = "backend error"
	ReasonBadFrame      = "unexpected frame type"
	ReasonNoBackend     = "no backend"
)

func (s *Server) startReader(ctx context.Context, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			_ = conn.Close()
			cl.Close() // writer exits and unregisters
		}()
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			var count int
			var err error
			if mfd, ok := s.Codec.(transport.MultiFrameDecoder); ok {
				count, err = mfd.DecodeN(conn, 16, func(fr wire.Frame) {
					s.handleFrame(ctx, fr, cl, logger)
				})
			} else {
				var fr wire.Frame
				fr, err = s.Codec.Decode(conn)
				if err == nil {
					s.handleFrame(ctx, fr, cl, logger)
					count = 1
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return
				}
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				return
			}
			if count == 0 {
				time.Sleep(100 * time.Microsecond)
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}()
}

// handleFrame dispatches one client frame. Only send requests are accepted;
// anything else is answered with an error frame.
func (s *Server) handleFrame(ctx context.Context, fr wire.Frame, cl *hub.Client, logger *slog.Logger) {
	if s.frameFilter != nil && !s.frameFilter(&fr) {
		return
	}
	metrics.IncTCPRx()
	if fr.Type != wire.TypeSend {
		s.totalRejected.Add(1)
		logger.Debug("client_frame_rejected", "type", fr.Type.String())
		s.reply(cl, wire.Error(ReasonBadFrame), logger)
		return
	}
	if s.Send == nil {
		s.reply(cl, wire.Error(ReasonNoBackend), logger)
		return
	}
	text := fr.Text()
	err := s.Send(ctx, text)
	switch {
	case err == nil:
		logger.Debug("client_send", "len", len(text))
	case errors.Is(err, sonic.ErrUnknownSymbol):
		s.totalRejected.Add(1)
		metrics.IncUnknownSymbol()
		logger.Info("client_send_rejected", "error", err)
		s.reply(cl, wire.Error(fmt.Sprintf("%s: %v", ReasonUnknownSymbol, err)), logger)
	case errors.Is(err, transport.ErrTxOverflow):
		s.totalBackendOverflow.Add(1)
		logger.Debug("backend_overflow_drop", "len", len(text))
		s.reply(cl, wire.Error(ReasonBusy), logger)
	default:
		wrap := fmt.Errorf("%w: %v", ErrBackendTx, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		s.totalBackendErrors.Add(1)
		logger.Error("backend_tx_error", "error", wrap)
		s.reply(cl, wire.Error(ReasonBackend), logger)
	}
}

// reply queues fr for this client only and never blocks the reader.
func (s *Server) reply(cl *hub.Client, fr wire.Frame, logger *slog.Logger) {
	select {
	case cl.Out <- fr:
	case <-cl.Closed:
	default:
		metrics.IncHubDrop()
		logger.Debug("client_reply_drop", "type", fr.Type.String())
	}
}
