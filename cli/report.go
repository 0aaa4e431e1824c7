package cli

import (
	"time"

	"go.uber.org/zap"

	"github.com/protolab/h2mux/lib/monitoring"
	"github.com/protolab/h2mux/mux"
)

// startReport logs connection and stream rates once a second and mirrors
// them to expvar.
func startReport(m *mux.Metrics) {
	evStreamPS := monitoring.NewCounter("h2mux_StreamPS")
	evFramePS := monitoring.NewCounter("h2mux_FramePS")
	streams := m.StreamsOpened.Get()
	frames := m.FramesRead.Get() + m.FramesWritten.Get()
	go func() {
		for range time.NewTicker(1 * time.Second).C {
			streamsNew := m.StreamsOpened.Get()
			framesNew := m.FramesRead.Get() + m.FramesWritten.Get()
			streamPS := streamsNew - streams
			framePS := framesNew - frames
			streams = streamsNew
			frames = framesNew

			zap.S().Infof(
				"[MUX] %d conns; %d streams/s; %d frames/s; %d refused; %d reset",
				m.ConnsAccepted.Get(), streamPS, framePS,
				m.StreamsRefused.Get(), m.StreamsReset.Get())

			evStreamPS.Set(streamPS)
			evFramePS.Set(framePS)
		}
	}()
}
