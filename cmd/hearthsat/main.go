// hearthsat simulates a satellite device against a running hearthd: it
// performs the handshake, streams a WAV file as audio frames, and prints
// every envelope the core sends back.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/go-audio/wav"
	"github.com/gorilla/websocket"

	"github.com/hearthside-labs/hearth-core/internal/protocol"
)

var version = "0.1.0-dev"

func main() {
	var (
		addr        string
		deviceID    string
		wavPath     string
		frameMS     int
		showVersion bool
	)
	flag.StringVar(&addr, "addr", "ws://127.0.0.1:8090/satellite", "Gateway WebSocket URL")
	flag.StringVar(&deviceID, "device", "hearthsat-dev", "Device identifier")
	flag.StringVar(&wavPath, "wav", "", "WAV file to stream as the utterance")
	flag.IntVar(&frameMS, "frame-ms", 20, "Frame duration in milliseconds")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}
	if wavPath == "" {
		fmt.Fprintln(os.Stderr, "missing -wav: a PCM WAV file to stream")
		os.Exit(2)
	}

	if err := run(addr, deviceID, wavPath, frameMS); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(addr, deviceID, wavPath string, frameMS int) error {
	pcm, sampleRate, channels, err := readWAV(wavPath)
	if err != nil {
		return fmt.Errorf("read wav: %w", err)
	}

	ws, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer ws.Close()

	hs := protocol.Handshake{DeviceID: deviceID, SampleRate: sampleRate, Channels: channels, FrameMS: frameMS}
	if err := ws.WriteJSON(hs); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}
	var ack protocol.HandshakeAck
	if err := ws.ReadJSON(&ack); err != nil {
		return fmt.Errorf("read handshake ack: %w", err)
	}
	fmt.Printf("connected: session=%s stream=%s %dHz/%dch\n",
		ack.SessionID, ack.StreamID, ack.SampleRate, ack.Channels)

	if err := ws.WriteJSON(protocol.Envelope{Type: protocol.TypeWake}); err != nil {
		return fmt.Errorf("send wake: %w", err)
	}
	// The core answers the wake with a listening announcement once the turn
	// is admitted; audio sent before that would be dropped.
	for {
		ws.SetReadDeadline(time.Now().Add(30 * time.Second))
		var env protocol.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			return fmt.Errorf("wait for listening: %w", err)
		}
		if env.Type == protocol.TypeError {
			return fmt.Errorf("wake rejected: %s %s", env.Code, env.Message)
		}
		if env.Type == protocol.TypeTurnState && env.State == "listening" {
			break
		}
	}

	frameBytes := sampleRate * channels * 2 * frameMS / 1000
	pace := time.NewTicker(time.Duration(frameMS) * time.Millisecond)
	defer pace.Stop()

	var seq uint64
	for offset := 0; offset < len(pcm); offset += frameBytes {
		end := offset + frameBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		env := protocol.Envelope{
			Type:     protocol.TypeAudio,
			StreamID: ack.StreamID,
			Seq:      seq,
			PCM:      pcm[offset:end],
		}
		if err := ws.WriteJSON(env); err != nil {
			return fmt.Errorf("send frame %d: %w", seq, err)
		}
		seq++
		<-pace.C
	}
	if err := ws.WriteJSON(protocol.Envelope{Type: protocol.TypeEndUtterance}); err != nil {
		return fmt.Errorf("send end_utterance: %w", err)
	}
	fmt.Printf("streamed %d frames, waiting for the reply\n", seq)

	var audioBytes int
	for {
		ws.SetReadDeadline(time.Now().Add(60 * time.Second))
		var env protocol.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			return fmt.Errorf("read envelope: %w", err)
		}
		switch env.Type {
		case protocol.TypeAudioOut:
			audioBytes += len(env.PCM)
			if env.Final {
				fmt.Printf("audio_out complete: %d bytes\n", audioBytes)
			}
		case protocol.TypeTurnState:
			fmt.Printf("turn_state: %s (turn %s)\n", env.State, env.TurnID)
			if env.State == "idle" {
				return nil
			}
		case protocol.TypeError:
			fmt.Printf("error: %s %s\n", env.Code, env.Message)
			if env.Code != "buffer_overrun" {
				return fmt.Errorf("turn ended with %s", env.Code)
			}
		}
	}
}

// readWAV decodes a WAV file into 16-bit little-endian PCM bytes.
func readWAV(path string) ([]byte, int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, 0, err
	}
	if !dec.IsValidFile() {
		return nil, 0, 0, fmt.Errorf("%s is not a valid wav file", path)
	}

	sampleRate := int(dec.SampleRate)
	channels := int(dec.NumChans)
	pcm := make([]byte, 0, len(buf.Data)*2)
	for _, sample := range buf.Data {
		pcm = append(pcm, byte(sample), byte(sample>>8))
	}
	return pcm, sampleRate, channels, nil
}
