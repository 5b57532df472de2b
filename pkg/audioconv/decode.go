package audioconv

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"
	popus "github.com/pekim/opus"

	"voxhub/pkg/util"
)

type Options struct {
	Rate       int // target sample rate, 16000 when zero
	MaxSamples int // 0 = no limit
}

func (o Options) rate() int {
	if o.Rate <= 0 {
		return 16000
	}
	return o.Rate
}

// DecodeFile reads wav, mp3 or ogg (vorbis/opus) and returns mono PCM16 at opt.Rate.
func DecodeFile(ctx context.Context, path string, opt Options) ([]int16, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var (
		x  []float32
		sr int
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".wav":
		x, sr, err = decodeWAV(f)
	case ".mp3":
		x, sr, err = decodeMP3(f)
	case ".ogg", ".oga", ".opus":
		x, sr, err = decodeOgg(f)
	default:
		x, sr, err = sniff(f)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return finish(x, sr, opt), nil
}

// DecodeBytes sniffs the container from its magic bytes.
func DecodeBytes(data []byte, opt Options) ([]int16, error) {
	x, sr, err := sniff(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return finish(x, sr, opt), nil
}

func finish(x []float32, sr int, opt Options) []int16 {
	x = Resample(x, sr, opt.rate())
	if opt.MaxSamples > 0 && len(x) > opt.MaxSamples {
		x = x[:opt.MaxSamples]
	}
	return ToPCM16(x)
}

func sniff(r io.ReadSeeker) ([]float32, int, error) {
	magic, _ := bufio.NewReader(r).Peek(4)
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, 0, err
	}
	switch {
	case string(magic) == "RIFF":
		return decodeWAV(r)
	case string(magic) == "OggS":
		return decodeOgg(r)
	case string(magic[:min(3, len(magic))]) == "ID3", len(magic) >= 2 && magic[0] == 0xFF && magic[1]&0xE0 == 0xE0:
		return decodeMP3(r)
	default:
		return nil, 0, errors.New("unsupported format (supported: wav/mp3/ogg-vorbis/ogg-opus)")
	}
}

func decodeOgg(r io.ReadSeeker) ([]float32, int, error) {
	x, sr, err := decodeOggVorbis(r)
	if err == nil {
		return x, sr, nil
	}
	if _, e2 := r.Seek(0, io.SeekStart); e2 != nil {
		return nil, 0, e2
	}
	x, sr, e3 := decodeOggOpus(r)
	if e3 != nil {
		return nil, 0, fmt.Errorf("cannot decode ogg as vorbis (%v) or opus: %w", err, e3)
	}
	return x, sr, nil
}

func decodeWAV(r io.ReadSeeker) ([]float32, int, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, 0, errors.New("invalid wav")
	}
	pb, err := dec.FullPCMBuffer()
	if err != nil || pb == nil || pb.Data == nil {
		if err == nil {
			err = errors.New("empty wav")
		}
		return nil, 0, err
	}

	bd := int(dec.BitDepth)
	if bd == 0 {
		bd = 16
	}
	x := intSliceToFloat32(pb.Data, bd)

	ch := 1
	sr := 44100
	if pb.Format != nil {
		if pb.Format.NumChannels > 0 {
			ch = pb.Format.NumChannels
		}
		if pb.Format.SampleRate > 0 {
			sr = pb.Format.SampleRate
		}
	}
	return downmixInterleaved(x, ch), sr, nil
}

func decodeMP3(r io.Reader) ([]float32, int, error) {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, 0, err
	}
	var raw bytes.Buffer
	if _, err := io.Copy(&raw, dec); err != nil {
		return nil, 0, err
	}
	ints := make([]int16, raw.Len()/2)
	if err := binary.Read(bytes.NewReader(raw.Bytes()), binary.LittleEndian, &ints); err != nil {
		return nil, 0, err
	}
	// go-mp3 always yields interleaved stereo.
	x := downmixInterleaved(FromPCM16(ints), 2)

	sr := dec.SampleRate()
	if sr <= 0 {
		sr = 44100
	}
	return x, sr, nil
}

func decodeOggVorbis(r io.Reader) ([]float32, int, error) {
	pcm, format, err := oggvorbis.ReadAll(r)
	if err != nil {
		return nil, 0, err
	}
	if format == nil || format.Channels <= 0 || format.SampleRate <= 0 {
		return nil, 0, errors.New("invalid ogg/vorbis stream")
	}
	return downmixInterleaved(pcm, format.Channels), format.SampleRate, nil
}

func decodeOggOpus(r io.ReadSeeker) ([]float32, int, error) {
	dec, err := popus.NewDecoder(r)
	if err != nil {
		return nil, 0, err
	}
	defer dec.Destroy()

	ch := dec.ChannelCount()
	if ch <= 0 {
		ch = 1
	}

	// libopusfile always decodes at 48 kHz.
	var (
		pcm48 []float32
		buf   = make([]int16, 48_000*ch/2)
	)
	for {
		n, err := dec.Read(buf) // n = samples per channel
		if n > 0 {
			pcm48 = append(pcm48, FromPCM16(buf[:n*ch])...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, err
		}
	}
	return downmixInterleaved(pcm48, ch), 48000, nil
}

func intSliceToFloat32(data []int, bitDepth int) []float32 {
	out := make([]float32, len(data))
	scale := 1.0 / float64(int64(1)<<(bitDepth-1))
	for i, v := range data {
		out[i] = float32(util.Clamp(float64(v)*scale, -1, 1))
	}
	return out
}

func downmixInterleaved(in []float32, channels int) []float32 {
	if channels <= 1 {
		return in
	}
	nFrames := len(in) / channels
	out := make([]float32, nFrames)
	for i := 0; i < nFrames; i++ {
		sum := 0.0
		base := i * channels
		for c := 0; c < channels; c++ {
			sum += float64(in[base+c])
		}
		out[i] = float32(sum / float64(channels))
	}
	return out
}
