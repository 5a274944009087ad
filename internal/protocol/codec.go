package protocol

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/relaywire/meshsocks/internal/ids"
)

// EncodeData builds a Data frame, compressing the payload with gzip when it
// exceeds CompressionThreshold. raw is left untouched; the returned frame
// owns a copy of whatever bytes end up on the wire.
func EncodeData(protocol Protocol, chanID ids.ID, raw []byte, addr string, port uint16) (*DataFrame, error) {
	f := &DataFrame{
		Protocol:  protocol,
		ChannelID: chanID,
		Data:      raw,
		Addr:      addr,
		Port:      port,
	}

	if len(raw) > CompressionThreshold {
		compressed, err := gzipCompress(raw)
		if err != nil {
			return nil, fmt.Errorf("protocol: compress data frame: %w", err)
		}
		f.Compression = CompressionGzip
		f.Data = compressed
	}
	return f, nil
}

// Payload returns a Data frame's application payload, transparently
// decompressing it if the wire encoding was gzip.
func (f *DataFrame) Payload() ([]byte, error) {
	switch f.Compression {
	case CompressionNone:
		return f.Data, nil
	case CompressionGzip:
		return gzipDecompress(f.Data)
	default:
		return nil, fmt.Errorf("protocol: unknown compression %d", f.Compression)
	}
}

func gzipCompress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecompress(compressed []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return out, nil
}
