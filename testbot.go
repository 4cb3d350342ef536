package main

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"log"
	"math"
	"time"

	"github.com/DMShort/DadLink/internal/channels"
	"github.com/DMShort/DadLink/internal/cipher"
	"github.com/DMShort/DadLink/internal/sessions"
	"github.com/DMShort/DadLink/internal/voice"
	"github.com/DMShort/DadLink/internal/wire"
)

// testBotUserID sits far above SQLite's autoincrement range so the bot can
// never collide with a real account.
const testBotUserID uint32 = 1 << 31

const (
	toneFrameInterval = 20 * time.Millisecond
	toneSampleRate    = 48000
	toneFrequency     = 440.0
)

// discardEndpoint swallows fan-out addressed to the bot.
type discardEndpoint struct{}

func (discardEndpoint) SendVoice([]byte) error { return nil }
func (discardEndpoint) String() string         { return "testbot" }

// RunTestBot joins a virtual client to channelID that transmits a 440 Hz
// tone as encrypted voice frames. It exercises the full data plane — the
// bot holds one half of a cipher pair, the session registry the other — so
// a real client in the channel hears the tone through the same decrypt/
// re-encrypt path as any other sender.
func RunTestBot(ctx context.Context, name string, channelID uint32, registry *channels.Registry, ciphers *sessions.Registry, router *voice.Router) {
	key := make([]byte, cipher.MasterKeySize)
	salt := make([]byte, cipher.SaltSize)
	if _, err := rand.Read(key); err != nil {
		log.Printf("[testbot] key generation: %v", err)
		return
	}
	if _, err := rand.Read(salt); err != nil {
		log.Printf("[testbot] salt generation: %v", err)
		return
	}
	serverSide, err := cipher.New(key, salt, testBotUserID)
	if err != nil {
		log.Printf("[testbot] cipher: %v", err)
		return
	}
	botSide, err := cipher.New(key, salt, testBotUserID)
	if err != nil {
		log.Printf("[testbot] cipher: %v", err)
		return
	}

	ciphers.Set(testBotUserID, serverSide)
	registry.LearnAddress(testBotUserID, discardEndpoint{})
	if _, ok := registry.Join(channelID, channels.Member{UserID: testBotUserID, Username: name}); !ok {
		log.Printf("[testbot] channel %d does not exist", channelID)
		ciphers.Remove(testBotUserID)
		return
	}
	defer func() {
		registry.Leave(channelID, testBotUserID)
		ciphers.Remove(testBotUserID)
	}()

	frame := toneFrame()
	log.Printf("[testbot] %q transmitting into channel %d", name, channelID)

	ticker := time.NewTicker(toneFrameInterval)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq++
			hdr := wire.Header{
				Magic:       wire.Magic,
				Sequence:    seq,
				TimestampUS: uint64(time.Now().UnixMicro()),
				ChannelID:   channelID,
				UserID:      testBotUserID,
			}
			payload := botSide.Encrypt(frame, uint32(seq))
			router.Deliver(append(hdr.Encode(), payload...), discardEndpoint{})
		}
	}
}

// toneFrame renders one 20 ms frame of a 440 Hz sine as 16-bit little-endian
// PCM, the payload a codec-less client plays directly.
func toneFrame() []byte {
	samples := toneSampleRate * int(toneFrameInterval/time.Millisecond) / 1000
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*toneFrequency*float64(i)/toneSampleRate))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}
