//go:build cgo

// Package portaudio is an alternative device backend built on the
// PortAudio bindings, for hosts where miniaudio is unavailable.
package portaudio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/somihq/somi-core/core/audio"
)

type Client struct {
	sampleRate   int
	frameSamples int

	inStream  *portaudio.Stream
	outStream *portaudio.Stream
	in        []int16
	out       []int16

	capturing  bool
	captureMu  sync.Mutex
	captureEnd chan struct{}

	queued       []float32
	writerActive bool
	queueMu      sync.Mutex
	writing      sync.WaitGroup
}

func NewClient(sampleRate int, frameDuration time.Duration) (*Client, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize portaudio: %w", err)
	}

	frameSamples := audio.FrameSamples(sampleRate, frameDuration)
	c := &Client{
		sampleRate:   sampleRate,
		frameSamples: frameSamples,
		in:           make([]int16, frameSamples),
		out:          make([]int16, frameSamples),
	}

	var err error
	if c.inStream, err = portaudio.OpenDefaultStream(1, 0, float64(sampleRate), frameSamples, c.in); err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("failed to open capture stream: %w", err)
	}
	if c.outStream, err = portaudio.OpenDefaultStream(0, 1, float64(sampleRate), frameSamples, c.out); err != nil {
		c.inStream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("failed to open playback stream: %w", err)
	}

	return c, nil
}

// StartCapture reads one analysis frame at a time from the default
// input device and hands it to onAudio as little-endian 16-bit PCM.
// It returns once the reader goroutine is running.
func (c *Client) StartCapture(ctx context.Context, onAudio func(audio []byte)) error {
	c.captureMu.Lock()
	defer c.captureMu.Unlock()
	if c.capturing {
		return nil
	}

	if err := c.inStream.Start(); err != nil {
		return fmt.Errorf("failed to start capture stream: %w", err)
	}
	c.capturing = true
	c.captureEnd = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			c.captureMu.Lock()
			capturing := c.capturing
			c.captureMu.Unlock()
			if !capturing {
				return
			}

			if err := c.inStream.Read(); err != nil {
				continue
			}
			buf := make([]int16, len(c.in))
			copy(buf, c.in)
			onAudio(s16Bytes(buf))
		}
	}(c.captureEnd)

	return nil
}

func (c *Client) StopCapture() error {
	c.captureMu.Lock()
	if !c.capturing {
		c.captureMu.Unlock()
		return nil
	}
	c.capturing = false
	done := c.captureEnd
	c.captureMu.Unlock()

	<-done
	return c.inStream.Stop()
}

// Play queues speech and writes it to the device frame by frame in the
// background. A concurrent Stop truncates the queue so the write loop
// runs dry within one frame.
func (c *Client) Play(pcm []float32) error {
	c.queueMu.Lock()
	c.queued = append(c.queued, pcm...)
	startWriter := !c.writerActive
	if startWriter {
		c.writerActive = true
	}
	c.queueMu.Unlock()

	if !startWriter {
		return nil
	}

	if err := c.outStream.Start(); err != nil {
		c.queueMu.Lock()
		c.writerActive = false
		c.queueMu.Unlock()
		return fmt.Errorf("failed to start playback stream: %w", err)
	}

	c.writing.Add(1)
	go func() {
		defer c.writing.Done()
		for {
			c.queueMu.Lock()
			if len(c.queued) == 0 {
				// Stop before releasing the flag so a racing Play
				// restarts the stream after, never before, this stop.
				_ = c.outStream.Stop()
				c.writerActive = false
				c.queueMu.Unlock()
				return
			}
			n := min(c.frameSamples, len(c.queued))
			frame := make([]float32, n)
			copy(frame, c.queued[:n])
			c.queued = c.queued[n:]
			c.queueMu.Unlock()

			for i := range c.out {
				c.out[i] = 0
			}
			raw := audio.ToS16LE(frame)
			for i := 0; i+1 < len(raw); i += 2 {
				c.out[i/2] = int16(raw[i]) | int16(raw[i+1])<<8
			}
			_ = c.outStream.Write()
		}
	}()

	return nil
}

func (c *Client) Stop() error {
	c.queueMu.Lock()
	c.queued = nil
	c.queueMu.Unlock()
	return nil
}

func (c *Client) Buffered() time.Duration {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	return audio.Duration(c.queued, c.sampleRate)
}

func (c *Client) Close() {
	_ = c.StopCapture()
	_ = c.Stop()
	c.writing.Wait()
	c.inStream.Close()
	c.outStream.Close()
	portaudio.Terminate()
}

func (c *Client) EncodingInfo() audio.EncodingInfo {
	return audio.EncodingInfo{
		SampleRate: c.sampleRate,
		Format:     audio.EncodingLinear16,
	}
}

func s16Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}
