//go:build cgo

// Package miniaudio provides capture and playback backed by malgo
// (miniaudio bindings), sized for frame-by-frame voice analysis and
// instant playback cutoff.
package miniaudio

import (
	"context"
	"fmt"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/somihq/somi-core/core/audio"
)

type Client struct {
	// audioContext is only saved to be able to uninitialize it, it is an
	// ownership thing
	audioContext *malgo.AllocatedContext

	playbackClient
	captureClient

	sampleRate    int
	frameDuration time.Duration
}

type ClientOption func(*Client)

func WithSampleRate(sampleRate int) ClientOption {
	return func(c *Client) { c.sampleRate = sampleRate }
}

// WithFrameDuration sets the capture period so the device delivers
// exactly one analysis frame per callback.
func WithFrameDuration(frameDuration time.Duration) ClientOption {
	return func(c *Client) { c.frameDuration = frameDuration }
}

func NewClient(opts ...ClientOption) (*Client, error) {
	client := Client{
		sampleRate:    audio.DefaultSampleRate,
		frameDuration: audio.DefaultFrameDuration,
	}
	for _, opt := range opts {
		opt(&client)
	}

	audioCtx, err := malgo.InitContext(
		nil,
		malgo.ContextConfig{},
		func(message string) {},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}
	client.audioContext = audioCtx

	if err := client.playbackClient.Init(audioCtx, client.sampleRate); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to initialize playback client: %w", err)
	}

	// The playback device runs for the life of the client; stopping
	// speech clears the buffer instead of stopping the device, which
	// keeps cutoff latency at buffer-drain scale.
	if err := client.playbackClient.Start(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to start playback device: %w", err)
	}

	frameSamples := audio.FrameSamples(client.sampleRate, client.frameDuration)
	if err := client.captureClient.Init(audioCtx, client.sampleRate, frameSamples); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to initialize capture client: %w", err)
	}

	return &client, nil
}

func (c *Client) StartCapture(_ context.Context, onAudio func(audio []byte)) error {
	return c.captureClient.Start(onAudio)
}

func (c *Client) StopCapture() error {
	return c.captureClient.Stop()
}

// Play queues synthesized speech for output. Playback begins as soon as
// the device callback drains the queue, so this returns immediately.
func (c *Client) Play(pcm []float32) error {
	return c.playbackClient.SendAudio(audio.ToS16LE(pcm))
}

// Stop discards everything queued for playback.
func (c *Client) Stop() error {
	c.playbackClient.ClearBuffer()
	return nil
}

func (c *Client) Buffered() time.Duration {
	samples := c.playbackClient.BufferedBytes() / audio.EncodingLinear16.ByteSize()
	return time.Duration(samples) * time.Second / time.Duration(c.sampleRate)
}

func (c *Client) Close() {
	_ = c.captureClient.Uninit()
	_ = c.playbackClient.Uninit()
	if c.audioContext != nil {
		_ = c.audioContext.Uninit()
		c.audioContext.Free()
		c.audioContext = nil
	}
}

func (c *Client) EncodingInfo() audio.EncodingInfo {
	return audio.EncodingInfo{
		SampleRate: c.sampleRate,
		Format:     audio.EncodingLinear16,
	}
}
