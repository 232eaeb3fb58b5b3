//go:build cgo

package miniaudio

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
)

type playbackClient struct {
	audioContext *malgo.AllocatedContext
	device       *malgo.Device
	config       malgo.DeviceConfig

	leftoverAudio []byte

	mu      sync.Mutex
	audioMu sync.Mutex
}

func (c *playbackClient) Init(audioContext *malgo.AllocatedContext, sampleRate int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	channels := 1
	format := malgo.FormatS16
	bytesPerFrame := malgo.SampleSizeInBytes(format) * channels

	c.config = malgo.DefaultDeviceConfig(malgo.Playback)
	c.config.SampleRate = uint32(sampleRate)
	c.config.Playback.Format = format
	c.config.Playback.Channels = uint32(channels)
	c.config.Alsa.NoMMap = 1
	// Small periods bound how much audio is already committed to the
	// device when the buffer is cleared mid-utterance.
	c.config.PeriodSizeInFrames = uint32(sampleRate / 50) // ~20ms of audio
	c.config.Periods = 3

	c.audioContext = audioContext

	var err error
	if c.device, err = malgo.InitDevice(
		c.audioContext.Context,
		c.config,
		malgo.DeviceCallbacks{Data: c.processAudio(bytesPerFrame)},
	); err != nil {
		return err
	}

	return nil
}

func (c *playbackClient) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device == nil {
		return fmt.Errorf("device not initialized")
	}

	if err := c.device.Start(); err != nil {
		return fmt.Errorf("failed to start playback device: %w", err)
	}

	return nil
}

func (c *playbackClient) SendAudio(audio []byte) error {
	if c.device == nil {
		return fmt.Errorf("device not initialized")
	} else if !c.device.IsStarted() {
		return fmt.Errorf("device not started")
	}

	c.audioMu.Lock()
	defer c.audioMu.Unlock()
	c.leftoverAudio = append(c.leftoverAudio, audio...)
	return nil
}

func (c *playbackClient) ClearBuffer() {
	c.audioMu.Lock()
	defer c.audioMu.Unlock()
	c.leftoverAudio = nil
}

func (c *playbackClient) BufferedBytes() int {
	c.audioMu.Lock()
	defer c.audioMu.Unlock()
	return len(c.leftoverAudio)
}

func (c *playbackClient) Uninit() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.device == nil {
		return fmt.Errorf("device not initialized")
	}

	c.device.Uninit()
	c.device = nil

	return nil
}

func (c *playbackClient) processAudio(bytesPerFrame int) malgo.DataProc {
	return func(pOutput, _ []byte, frameCount uint32) {
		need := int(frameCount) * bytesPerFrame

		c.audioMu.Lock()
		defer c.audioMu.Unlock()

		if len(c.leftoverAudio) == 0 {
			return
		}

		if len(c.leftoverAudio) < need {
			_ = copy(pOutput, c.leftoverAudio)
			c.leftoverAudio = nil
			return
		}

		_ = copy(pOutput, c.leftoverAudio[:need])
		c.leftoverAudio = c.leftoverAudio[need:]
	}
}
