// Package wav writes and inspects PCM WAV files for take storage.
// Samples are captured as float32 and converted to 16- or 24-bit
// little-endian PCM on write; no processing is applied.
package wav

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"
)

const (
	headerSize = 44
	pcmFormat  = 1
)

// Writer streams PCM blocks to a WAV file. The header is written on
// Finalize once the frame count is known; an unfinalized file carries a
// zero-length header and is treated as not-a-take by the session layer.
type Writer struct {
	f          *os.File
	bw         *bufio.Writer
	sampleRate int
	bitDepth   int
	channels   int
	frames     int64
	finalized  bool
}

// NewWriter creates path and reserves space for the header.
func NewWriter(path string, sampleRate, bitDepth, channels int) (*Writer, error) {
	if bitDepth != 16 && bitDepth != 24 {
		return nil, fmt.Errorf("unsupported bit depth %d", bitDepth)
	}
	if channels < 1 {
		return nil, fmt.Errorf("invalid channel count %d", channels)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create wav: %w", err)
	}
	w := &Writer{
		f:          f,
		bw:         bufio.NewWriterSize(f, 64*1024),
		sampleRate: sampleRate,
		bitDepth:   bitDepth,
		channels:   channels,
	}
	if _, err := w.bw.Write(make([]byte, headerSize)); err != nil {
		f.Close()
		return nil, fmt.Errorf("reserve wav header: %w", err)
	}
	return w, nil
}

// WriteSamples appends one interleaved float32 block.
func (w *Writer) WriteSamples(samples []float32) error {
	if w.finalized {
		return fmt.Errorf("write after finalize")
	}
	switch w.bitDepth {
	case 16:
		for _, s := range samples {
			v := int16(clamp(s) * 32767)
			if err := binary.Write(w.bw, binary.LittleEndian, v); err != nil {
				return fmt.Errorf("write samples: %w", err)
			}
		}
	case 24:
		var b [3]byte
		for _, s := range samples {
			v := int32(clamp(s) * 8388607)
			b[0] = byte(v)
			b[1] = byte(v >> 8)
			b[2] = byte(v >> 16)
			if _, err := w.bw.Write(b[:]); err != nil {
				return fmt.Errorf("write samples: %w", err)
			}
		}
	}
	w.frames += int64(len(samples) / w.channels)
	return nil
}

// Frames returns the number of sample frames written so far.
func (w *Writer) Frames() int64 { return w.frames }

// Duration returns the audio duration written so far.
func (w *Writer) Duration() time.Duration {
	return time.Duration(float64(w.frames) / float64(w.sampleRate) * float64(time.Second))
}

// Finalize flushes buffered samples, writes the RIFF header and closes
// the file.
func (w *Writer) Finalize() error {
	if w.finalized {
		return nil
	}
	w.finalized = true
	if err := w.bw.Flush(); err != nil {
		w.f.Close()
		return fmt.Errorf("flush wav: %w", err)
	}
	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		w.f.Close()
		return fmt.Errorf("seek wav header: %w", err)
	}
	if _, err := w.f.Write(w.header()); err != nil {
		w.f.Close()
		return fmt.Errorf("write wav header: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return fmt.Errorf("sync wav: %w", err)
	}
	return w.f.Close()
}

// Abort closes the file without finalizing the header. The partial file
// stays on disk for forensic inspection.
func (w *Writer) Abort() error {
	if w.finalized {
		return nil
	}
	w.finalized = true
	w.bw.Flush()
	return w.f.Close()
}

func (w *Writer) header() []byte {
	bytesPerSample := w.bitDepth / 8
	blockAlign := w.channels * bytesPerSample
	byteRate := w.sampleRate * blockAlign
	dataLen := int(w.frames) * blockAlign

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataLen))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(pcmFormat))
	binary.Write(&buf, binary.LittleEndian, uint16(w.channels))
	binary.Write(&buf, binary.LittleEndian, uint32(w.sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(w.bitDepth))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(dataLen))
	return buf.Bytes()
}

func clamp(s float32) float32 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}

// Info describes a WAV file's sample configuration.
type Info struct {
	SampleRate int
	BitDepth   int
	Channels   int
	Frames     int64
	Duration   time.Duration
}

// ReadInfo parses the header of a finalized WAV file.
func ReadInfo(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	var riff [12]byte
	if _, err := io.ReadFull(f, riff[:]); err != nil {
		return Info{}, fmt.Errorf("read riff header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return Info{}, fmt.Errorf("%s: not a wav file", path)
	}

	var info Info
	var haveFmt, haveData bool
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(f, chunk[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return Info{}, fmt.Errorf("read chunk header: %w", err)
		}
		id := string(chunk[0:4])
		size := binary.LittleEndian.Uint32(chunk[4:8])

		switch id {
		case "fmt ":
			var fmtChunk [16]byte
			if _, err := io.ReadFull(f, fmtChunk[:]); err != nil {
				return Info{}, fmt.Errorf("read fmt chunk: %w", err)
			}
			info.Channels = int(binary.LittleEndian.Uint16(fmtChunk[2:4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(fmtChunk[4:8]))
			info.BitDepth = int(binary.LittleEndian.Uint16(fmtChunk[14:16]))
			haveFmt = true
			if size > 16 {
				if _, err := f.Seek(int64(size-16), io.SeekCurrent); err != nil {
					return Info{}, err
				}
			}
		case "data":
			if !haveFmt {
				return Info{}, fmt.Errorf("%s: data chunk before fmt", path)
			}
			blockAlign := info.Channels * info.BitDepth / 8
			if blockAlign > 0 {
				info.Frames = int64(size) / int64(blockAlign)
			}
			haveData = true
			if _, err := f.Seek(int64(size), io.SeekCurrent); err != nil {
				return Info{}, err
			}
		default:
			if _, err := f.Seek(int64(size), io.SeekCurrent); err != nil {
				return Info{}, err
			}
		}
	}
	if !haveFmt || !haveData {
		return Info{}, fmt.Errorf("%s: incomplete wav header", path)
	}
	if info.SampleRate > 0 {
		info.Duration = time.Duration(float64(info.Frames) / float64(info.SampleRate) * float64(time.Second))
	}
	return info, nil
}
