package decode

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/Eyevinn/mp4ff/avc"
	"github.com/Eyevinn/mp4ff/hevc"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	"github.com/zsiec/mp4play/internal/media"
	"github.com/zsiec/mp4play/internal/queue"
)

// Output formats produced by the bitstream engine.
const (
	FormatAnnexB = "annexb"
	FormatADTS   = "adts"
	FormatRaw    = "raw"
)

// converter turns one coded access unit into a self-contained frame
// payload.
type converter interface {
	format() string
	convert(c Chunk) ([]byte, error)
}

// bitstreamWork is one queued unit for the engine goroutine: a chunk to
// convert, or a flush barrier.
type bitstreamWork struct {
	chunk   Chunk
	flushed chan struct{}
}

// Bitstream is an Engine that repackages coded samples as elementary
// stream frames instead of producing raw pictures or PCM. Length-prefixed
// AVC/HEVC access units become Annex B with parameter sets ahead of every
// sync sample, AAC access units gain ADTS headers, and VP8, VP9, AV1 and
// Opus payloads pass through unchanged. Conversion runs on the engine's own
// goroutine.
type Bitstream struct {
	log     *slog.Logger
	kind    media.TrackKind
	output  func(*media.DecodedFrame)
	onError func(error)

	conv converter
	in   *queue.Queue[bitstreamWork]
	done chan struct{}

	frames atomic.Int64
}

// NewBitstreamFactory returns an EngineFactory producing Bitstream engines
// that log to log.
func NewBitstreamFactory(log *slog.Logger) EngineFactory {
	if log == nil {
		log = slog.Default()
	}
	return func(output func(*media.DecodedFrame), onError func(error)) (Engine, error) {
		return &Bitstream{
			log:     log.With("component", "bitstream"),
			output:  output,
			onError: onError,
			in:      queue.New[bitstreamWork](),
			done:    make(chan struct{}),
		}, nil
	}
}

// Configure selects a converter for cfg.Codec and starts the engine
// goroutine.
func (b *Bitstream) Configure(cfg Config) error {
	if b.conv != nil {
		return ErrAlreadyConfigured
	}
	conv, err := newConverter(cfg)
	if err != nil {
		return err
	}
	b.kind = cfg.Kind
	b.conv = conv
	b.log = b.log.With("codec", cfg.Codec)
	go b.run()
	return nil
}

// Decode queues c for conversion.
func (b *Bitstream) Decode(c Chunk) error {
	if b.conv == nil {
		return ErrNotConfigured
	}
	if err := b.in.Enqueue(bitstreamWork{chunk: c}); err != nil {
		return ErrClosed
	}
	return nil
}

// Flush waits until every queued chunk has been converted.
func (b *Bitstream) Flush() error {
	if b.conv == nil {
		return nil
	}
	flushed := make(chan struct{})
	if err := b.in.Enqueue(bitstreamWork{flushed: flushed}); err != nil {
		return ErrClosed
	}
	<-flushed
	return nil
}

// Close stops the engine goroutine after it finishes queued work.
func (b *Bitstream) Close() error {
	b.in.Close()
	if b.conv != nil {
		<-b.done
	}
	return nil
}

func (b *Bitstream) run() {
	defer close(b.done)
	for {
		for {
			w, ok := b.in.Dequeue()
			if !ok {
				break
			}
			if w.flushed != nil {
				close(w.flushed)
				continue
			}
			b.process(w.chunk)
		}
		if b.in.Drained() {
			b.log.Debug("engine stopped", "frames", b.frames.Load())
			return
		}
		<-b.in.Notify()
	}
}

func (b *Bitstream) process(c Chunk) {
	data, err := b.conv.convert(c)
	if err != nil {
		b.onError(fmt.Errorf("timestamp %dus: %w", c.Timestamp, err))
		return
	}
	b.frames.Add(1)
	b.output(&media.DecodedFrame{
		Kind:      b.kind,
		Timestamp: c.Timestamp,
		Duration:  c.Duration,
		Key:       c.Key,
		Format:    b.conv.format(),
		Data:      data,
	})
}

func newConverter(cfg Config) (converter, error) {
	family, _, _ := strings.Cut(cfg.Codec, ".")
	switch family {
	case "avc1", "avc3":
		return newAVCConverter(cfg.Description)
	case "hvc1", "hev1":
		return newHEVCConverter(cfg.Description)
	case "mp4a":
		if !strings.HasPrefix(cfg.Codec, "mp4a.40") {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, cfg.Codec)
		}
		return newAACConverter(cfg.Description)
	case "vp8", "vp09", "av01", "opus":
		return passthrough{}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, cfg.Codec)
}

// annexBConverter rewrites 4-byte length-prefixed NAL units as Annex B and
// prepends the out-of-band parameter sets to sync samples.
type annexBConverter struct {
	paramSets [][]byte
	isParam   func(nalu []byte) bool
}

func (annexBConverter) format() string { return FormatAnnexB }

func (a annexBConverter) convert(c Chunk) ([]byte, error) {
	var au h264.AVCC
	if err := au.Unmarshal(c.Data); err != nil {
		return nil, fmt.Errorf("length-prefixed NAL units: %w", err)
	}
	nalus := [][]byte(au)
	if c.Key && !a.hasParams(nalus) {
		nalus = append(append(make([][]byte, 0, len(a.paramSets)+len(nalus)), a.paramSets...), nalus...)
	}
	return h264.AnnexB(nalus).Marshal()
}

func (a annexBConverter) hasParams(nalus [][]byte) bool {
	for _, n := range nalus {
		if a.isParam(n) {
			return true
		}
	}
	return false
}

// lengthSize returns the NAL unit length field size declared by an
// avcC or hvcC record.
func lengthSize(b byte) int {
	return int(b&0x03) + 1
}

func newAVCConverter(desc []byte) (converter, error) {
	if len(desc) < 7 {
		return nil, fmt.Errorf("%w: avcC record of %d bytes", ErrBadConfig, len(desc))
	}
	if n := lengthSize(desc[4]); n != 4 {
		return nil, fmt.Errorf("%w: %d-byte NAL unit lengths", ErrUnsupportedCodec, n)
	}
	rec, err := avc.DecodeAVCDecConfRec(desc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadConfig, err)
	}
	if len(rec.SPSnalus) == 0 || len(rec.PPSnalus) == 0 {
		return nil, fmt.Errorf("%w: avcC without SPS or PPS", ErrBadConfig)
	}
	params := append(append([][]byte{}, rec.SPSnalus...), rec.PPSnalus...)
	return annexBConverter{
		paramSets: params,
		isParam: func(n []byte) bool {
			if len(n) == 0 {
				return false
			}
			t := h264.NALUType(n[0] & 0x1F)
			return t == h264.NALUTypeSPS || t == h264.NALUTypePPS
		},
	}, nil
}

func newHEVCConverter(desc []byte) (converter, error) {
	if len(desc) < 23 {
		return nil, fmt.Errorf("%w: hvcC record of %d bytes", ErrBadConfig, len(desc))
	}
	if n := lengthSize(desc[21]); n != 4 {
		return nil, fmt.Errorf("%w: %d-byte NAL unit lengths", ErrUnsupportedCodec, n)
	}
	rec, err := hevc.DecodeHEVCDecConfRec(desc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadConfig, err)
	}
	var params [][]byte
	for _, t := range []hevc.NaluType{hevc.NALU_VPS, hevc.NALU_SPS, hevc.NALU_PPS} {
		params = append(params, rec.GetNalusForType(t)...)
	}
	if len(params) == 0 {
		return nil, fmt.Errorf("%w: hvcC without parameter sets", ErrBadConfig)
	}
	return annexBConverter{
		paramSets: params,
		isParam: func(n []byte) bool {
			if len(n) == 0 {
				return false
			}
			switch hevc.NaluType((n[0] >> 1) & 0x3F) {
			case hevc.NALU_VPS, hevc.NALU_SPS, hevc.NALU_PPS:
				return true
			}
			return false
		},
	}, nil
}

// aacConverter wraps raw AAC access units in ADTS headers.
type aacConverter struct {
	conf mpeg4audio.AudioSpecificConfig
}

func newAACConverter(desc []byte) (converter, error) {
	var conf mpeg4audio.AudioSpecificConfig
	if err := conf.Unmarshal(desc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadConfig, err)
	}
	return aacConverter{conf: conf}, nil
}

func (aacConverter) format() string { return FormatADTS }

func (a aacConverter) convert(c Chunk) ([]byte, error) {
	if len(c.Data) == 0 {
		return nil, fmt.Errorf("empty AAC access unit")
	}
	return mpeg4audio.ADTSPackets{{
		Type:         a.conf.Type,
		SampleRate:   a.conf.SampleRate,
		ChannelCount: a.conf.ChannelCount,
		AU:           c.Data,
	}}.Marshal()
}

type passthrough struct{}

func (passthrough) format() string { return FormatRaw }

func (passthrough) convert(c Chunk) ([]byte, error) {
	return bytes.Clone(c.Data), nil
}
