package metrics

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers from tensorflow/core/util/event.proto and
// tensorflow/core/framework/summary.proto.
const (
	eventWallTime    protowire.Number = 1
	eventStep        protowire.Number = 2
	eventFileVersion protowire.Number = 3
	eventSummary     protowire.Number = 5

	summaryValue protowire.Number = 1

	valueTag    protowire.Number = 1
	valueSimple protowire.Number = 2
	valueImage  protowire.Number = 4
	valueHisto  protowire.Number = 5

	histoMin         protowire.Number = 1
	histoMax         protowire.Number = 2
	histoNum         protowire.Number = 3
	histoSum         protowire.Number = 4
	histoSumSquares  protowire.Number = 5
	histoBucketLimit protowire.Number = 6
	histoBucket      protowire.Number = 7

	imageHeight     protowire.Number = 1
	imageWidth      protowire.Number = 2
	imageColorspace protowire.Number = 3
	imageEncoded    protowire.Number = 4
)

const fileVersion = "brain.Event:2"

func appendDouble(b []byte, n protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, n, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendVarint(b []byte, n protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, n, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, n protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, n, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendPackedDoubles(b []byte, n protowire.Number, vs []float64) []byte {
	var packed []byte
	for _, v := range vs {
		packed = protowire.AppendFixed64(packed, math.Float64bits(v))
	}
	return appendBytes(b, n, packed)
}

// event encodes an Event carrying either a file version or a summary.
func event(wallTime float64, step int64, version string, summary []byte) []byte {
	b := appendDouble(nil, eventWallTime, wallTime)
	b = appendVarint(b, eventStep, uint64(step))
	if version != "" {
		b = appendBytes(b, eventFileVersion, []byte(version))
	}
	if summary != nil {
		b = appendBytes(b, eventSummary, summary)
	}
	return b
}

// summary accumulates Summary.Value entries.
type summary struct {
	b []byte
}

func (s *summary) value(tag string, payload func([]byte) []byte) {
	v := appendBytes(nil, valueTag, []byte(tag))
	v = payload(v)
	s.b = appendBytes(s.b, summaryValue, v)
}

func (s *summary) scalar(tag string, x float64) {
	s.value(tag, func(b []byte) []byte {
		b = protowire.AppendTag(b, valueSimple, protowire.Fixed32Type)
		return protowire.AppendFixed32(b, math.Float32bits(float32(x)))
	})
}

func (s *summary) histogram(tag string, h Histogram) {
	s.value(tag, func(b []byte) []byte {
		var p []byte
		p = appendDouble(p, histoMin, h.Min)
		p = appendDouble(p, histoMax, h.Max)
		p = appendDouble(p, histoNum, h.Num)
		p = appendDouble(p, histoSum, h.Sum)
		p = appendDouble(p, histoSumSquares, h.SumSquares)
		p = appendPackedDoubles(p, histoBucketLimit, h.Limits)
		p = appendPackedDoubles(p, histoBucket, h.Counts)
		return appendBytes(b, valueHisto, p)
	})
}

func (s *summary) image(tag string, height, width, colorspace int, png []byte) {
	s.value(tag, func(b []byte) []byte {
		var p []byte
		p = appendVarint(p, imageHeight, uint64(height))
		p = appendVarint(p, imageWidth, uint64(width))
		p = appendVarint(p, imageColorspace, uint64(colorspace))
		p = appendBytes(p, imageEncoded, png)
		return appendBytes(b, valueImage, p)
	})
}

func (s *summary) empty() bool { return len(s.b) == 0 }
