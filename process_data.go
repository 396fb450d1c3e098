package timetrace

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// processTraceBlock runs one raw block (channels x samples, at the streamer's
// sampling rate) through the processing stages: de-oversample, convert
// digital counts to rates, append to the recording accumulator, roll the raw
// ring buffer and update the moving-average tail. Callers must hold r.lock.
func (r *TimeSeriesReader) processTraceBlock(data *mat.Dense) {
	nchan, nsamp := data.Dims()
	if nchan == 0 || nsamp == 0 {
		return
	}

	if ov := r.settings.OversamplingFactor; ov > 1 {
		if nsamp%ov != 0 {
			ProblemLogger.Println("number of samples per channel is not an integer multiple of the oversampling factor")
			return
		}
		data = decimateBlock(data, ov)
		nsamp /= ov
	}

	if r.convertCountsToRate {
		// Digital channels deliver counts per sample bin; scale by the
		// raw sampling rate so they display as event rates in Hz.
		rate := r.samplingRate()
		for i, ch := range r.activeDescriptors {
			if ch.Type == DigitalChannel {
				floats.Scale(rate, data.RawRowView(i))
			}
		}
	}

	if r.recording {
		r.recordedData = append(r.recordedData, mat.DenseCopyOf(data))
	}

	// Only the newest rawCols samples can survive the roll anyway.
	_, rawCols := r.traceData.Dims()
	if nsamp > rawCols {
		data = data.Slice(0, nchan, nsamp-rawCols, nsamp).(*mat.Dense)
		nsamp = rawCols
	}

	for i := 0; i < nchan; i++ {
		row := r.traceData.RawRowView(i)
		copy(row, row[nsamp:])
		copy(row[rawCols-nsamp:], data.RawRowView(i))
	}

	r.updateMovingAverageLocked(nsamp)
}

// decimateBlock averages each run of ov consecutive samples down to one
// data point per channel.
func decimateBlock(data *mat.Dense, ov int) *mat.Dense {
	nchan, nsamp := data.Dims()
	reduced := mat.NewDense(nchan, nsamp/ov, nil)
	for i := 0; i < nchan; i++ {
		in := data.RawRowView(i)
		out := reduced.RawRowView(i)
		for j := range out {
			out[j] = floats.Sum(in[j*ov:(j+1)*ov]) / float64(ov)
		}
	}
	return reduced
}

// updateMovingAverageLocked rolls the averaged buffer left by the number of
// new data points and recomputes only the freshly exposed tail, using a
// sliding-sum "valid" convolution with a uniform kernel. The raw buffer's
// width/2 trailing margin supplies the left context, so every output point
// is a full-width average. Callers must hold r.lock.
func (r *TimeSeriesReader) updateMovingAverageLocked(newSamples int) {
	width := r.settings.MovingAverageWidth
	if width <= 1 || r.traceDataAveraged == nil {
		return
	}
	_, avgCols := r.traceDataAveraged.Dims()
	n := newSamples
	if n > avgCols {
		n = avgCols
	}
	if n < 1 {
		return
	}

	for k, rawIdx := range r.averagedIndices {
		raw := r.traceData.RawRowView(rawIdx)
		avg := r.traceDataAveraged.RawRowView(k)
		copy(avg, avg[n:])

		segment := raw[len(raw)-(n+width-1):]
		out := avg[avgCols-n:]
		sum := floats.Sum(segment[:width])
		out[0] = sum / float64(width)
		for j := 1; j < n; j++ {
			sum += segment[j+width-1] - segment[j-1]
			out[j] = sum / float64(width)
		}
	}
}
