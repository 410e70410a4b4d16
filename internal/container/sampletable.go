package container

import (
	"fmt"
	"math"

	"github.com/Eyevinn/mp4ff/mp4"
)

// sampleEntry locates one sample in the file and carries its timing.
type sampleEntry struct {
	offset     int64
	size       uint32
	decodeTime uint64
	ctsOffset  int32
	duration   uint32
	sync       bool
}

// buildSampleTable flattens a progressive track's stbl into per-sample
// entries in decode order.
func buildSampleTable(stbl *mp4.StblBox) ([]sampleEntry, error) {
	if stbl == nil || stbl.Stsz == nil || stbl.Stts == nil || stbl.Stsc == nil {
		return nil, fmt.Errorf("%w: missing stsz, stts or stsc", ErrSampleTable)
	}

	n := int(stbl.Stsz.SampleNumber)
	entries := make([]sampleEntry, n)
	if n == 0 {
		return entries, nil
	}

	stsz := stbl.Stsz
	if stsz.SampleUniformSize == 0 && len(stsz.SampleSize) < n {
		return nil, fmt.Errorf("%w: stsz lists %d sizes for %d samples", ErrSampleTable, len(stsz.SampleSize), n)
	}
	for i := range entries {
		if stsz.SampleUniformSize != 0 {
			entries[i].size = stsz.SampleUniformSize
		} else {
			entries[i].size = stsz.SampleSize[i]
		}
	}

	stts := stbl.Stts
	if len(stts.SampleCount) != len(stts.SampleTimeDelta) {
		return nil, fmt.Errorf("%w: stts count/delta mismatch", ErrSampleTable)
	}
	idx := 0
	var dts uint64
	for j, count := range stts.SampleCount {
		delta := stts.SampleTimeDelta[j]
		for k := uint32(0); k < count && idx < n; k++ {
			entries[idx].decodeTime = dts
			entries[idx].duration = delta
			dts += uint64(delta)
			idx++
		}
	}
	if idx < n {
		return nil, fmt.Errorf("%w: stts covers %d of %d samples", ErrSampleTable, idx, n)
	}

	if stbl.Ctts != nil {
		for i := range entries {
			entries[i].ctsOffset = stbl.Ctts.GetCompositionTimeOffset(uint32(i + 1))
		}
	}

	if stbl.Stss == nil {
		for i := range entries {
			entries[i].sync = true
		}
	} else {
		for _, nr := range stbl.Stss.SampleNumber {
			if nr >= 1 && int(nr) <= n {
				entries[nr-1].sync = true
			}
		}
	}

	chunks, err := chunkOffsets(stbl)
	if err != nil {
		return nil, err
	}

	sample := 0
	stscEntries := stbl.Stsc.Entries
	for e, entry := range stscEntries {
		last := uint32(len(chunks))
		if e+1 < len(stscEntries) {
			last = stscEntries[e+1].FirstChunk - 1
		}
		for chunk := entry.FirstChunk; chunk <= last && sample < n; chunk++ {
			if chunk < 1 || int(chunk) > len(chunks) {
				return nil, fmt.Errorf("%w: stsc references chunk %d of %d", ErrSampleTable, chunk, len(chunks))
			}
			if chunks[chunk-1] > math.MaxInt64 {
				return nil, fmt.Errorf("%w: chunk %d offset %d out of range", ErrSampleTable, chunk, chunks[chunk-1])
			}
			off := int64(chunks[chunk-1])
			for s := uint32(0); s < entry.SamplesPerChunk && sample < n; s++ {
				size := int64(entries[sample].size)
				if off > math.MaxInt64-size {
					return nil, fmt.Errorf("%w: sample %d extends past the largest stream offset", ErrSampleTable, sample+1)
				}
				entries[sample].offset = off
				off += size
				sample++
			}
		}
	}
	if sample < n {
		return nil, fmt.Errorf("%w: chunks cover %d of %d samples", ErrSampleTable, sample, n)
	}
	return entries, nil
}

func chunkOffsets(stbl *mp4.StblBox) ([]uint64, error) {
	switch {
	case stbl.Stco != nil:
		out := make([]uint64, len(stbl.Stco.ChunkOffset))
		for i, off := range stbl.Stco.ChunkOffset {
			out[i] = uint64(off)
		}
		return out, nil
	case stbl.Co64 != nil:
		return stbl.Co64.ChunkOffset, nil
	default:
		return nil, fmt.Errorf("%w: missing stco/co64", ErrSampleTable)
	}
}
