// Package orchestration coordinates the full-duplex voice loop:
// microphone frames are screened by the echo policy and barge-in
// detector, voiced spans are finalized into utterances, transcribed,
// and handed to the turn state machine, whose cognition and playback
// tasks stream the reply back out of the speaker. The user can
// interrupt the reply at any point; interruption cancels the turn
// within one playback slice.
package orchestration

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/somihq/somi-core/core/detect"
	"github.com/somihq/somi-core/core/speechtotext"
)

const frameReadTimeout = 100 * time.Millisecond

type Orchestrator struct {
	cfg    Config
	userID string

	audioIn      *audioInput
	speechToText speechtotext.FinalTranscriber
	somi         *SomiState

	vad     *detect.RMSVAD
	bargeIn *detect.BargeInDetector
}

func NewOrchestrator(somi *SomiState, opts ...OrchestratorOption) (*Orchestrator, error) {
	if somi == nil {
		return nil, fmt.Errorf("orchestrator requires a turn state machine")
	}

	o := &Orchestrator{
		cfg:    somi.cfg,
		userID: defaultUserID,
		somi:   somi,
	}
	for _, opt := range opts {
		opt(o)
	}

	o.vad = detect.NewRMSVAD(o.cfg.vadConfig())
	o.bargeIn = detect.NewBargeInDetector(o.cfg.BargeInThreshold, o.cfg.BargeInFrames)
	return o, nil
}

// Run starts capture, the playback consumer, and the perception loop,
// blocking until ctx is done or the capture device fails. Per-turn
// failures (STT, agent, synthesis) never escape; only device failures
// do.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.audioIn == nil || o.speechToText == nil {
		return fmt.Errorf("orchestrator requires a capture client and a transcriber")
	}

	if err := o.audioIn.Start(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrAudioDevice, err)
	}
	defer func() {
		if err := o.audioIn.Stop(); err != nil {
			logger.Warn("failed to stop capture", "error", err)
		}
		o.somi.audioOut.Stop()
	}()

	go o.somi.PlaybackConsumer(ctx)

	logger.Info("voice loop running",
		"vad_threshold", o.cfg.VADThreshold,
		"adaptive", o.cfg.AdaptiveThreshold,
		"echo_policy", string(o.cfg.EchoPolicy),
	)
	return o.perceptionLoop(ctx)
}

func (o *Orchestrator) perceptionLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		frame, ok := o.audioIn.Read(frameReadTimeout)
		if !ok {
			continue
		}

		if o.somi.State() == StateSpeaking {
			if o.bargeIn.Process(frame) {
				turnID := o.somi.CancelCurrentTurn("barge_in")
				logger.Info("barge-in detected", "turn_id", turnID)
			}
			continue
		}

		if !o.cfg.EchoPolicy.STTAllowed(o.somi.State()) {
			continue
		}

		utterance, ok := o.vad.Process(frame)
		if !ok {
			continue
		}
		o.handleUtterance(ctx, utterance)
	}
}

// handleUtterance transcribes synchronously; capture keeps buffering
// into the bounded frame queue meanwhile. STT failures drop the
// utterance and the loop keeps listening.
func (o *Orchestrator) handleUtterance(ctx context.Context, utterance []float32) {
	ctx, span := tracer.Start(ctx, "finalize utterance")
	defer span.End()

	sttStart := time.Now()
	transcript, err := o.speechToText.TranscribeFinal(ctx, utterance, o.cfg.SampleRate)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("transcription failed, dropping utterance", "error", err)
		return
	}
	sttLatency := time.Since(sttStart)

	logger.Info("final transcript",
		"text", transcript.Text,
		"confidence", transcript.Confidence,
		"stt_ms", sttLatency.Milliseconds(),
	)
	o.somi.OnTranscriptFinal(ctx, transcript.Text, o.userID, sttLatency)
}
